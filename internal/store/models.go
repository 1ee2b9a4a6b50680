package store

import "time"

// Space statuses. A finished space is read-only; enforcement beyond routing
// lives in the admin surface.
const (
	SpaceActive   = "active"
	SpaceFinished = "finished"
)

// Post is one orderable content unit, shared by chat messages and document
// rows. RoomID is nil for document rows (the document is space-wide) and set
// for chat rows.
type Post struct {
	ID                string
	SpaceID           int64
	RoomID            *string
	Content           string
	OrderKey          float64
	IndentLevel       int
	AuthorDisplayName string
	AgreeVoters       []string
	DisagreeVoters    []string
	Poll              *Poll
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AgreeCount and DisagreeCount are derived from the voter sets; voter ids are
// socket-level, not account-level.
func (p Post) AgreeCount() int    { return len(p.AgreeVoters) }
func (p Post) DisagreeCount() int { return len(p.DisagreeVoters) }

// Poll is the optional structured payload of a chat post.
type Poll struct {
	Question  string       `json:"question"`
	Anonymous bool         `json:"anonymous"`
	Options   []PollOption `json:"options"`
}

type PollOption struct {
	Label  string   `json:"label"`
	Voters []string `json:"voters"`
}

// HasVoted reports whether voterID already voted on any option; polls do not
// allow vote switching.
func (p *Poll) HasVoted(voterID string) bool {
	if p == nil {
		return false
	}
	for _, opt := range p.Options {
		for _, v := range opt.Voters {
			if v == voterID {
				return true
			}
		}
	}
	return false
}

// Room is a named chat channel within a space. MessageCount is the persisted
// denormalized counter; the participant count is derived from live
// connections and never stored.
type Room struct {
	ID           string
	SpaceID      int64
	Name         string
	MessageCount int
	CreatedAt    time.Time
}

// Space is the top-level tenant owning rooms and one shared document.
type Space struct {
	ID           int64
	Name         string
	Status       string
	PasscodeHash *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s Space) Finished() bool { return s.Status == SpaceFinished }
