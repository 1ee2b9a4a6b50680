// Package event defines the wire protocol for the realtime channel: a tagged
// envelope plus one typed struct per inbound intent and outbound event.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stumn/Chatment-sub000/internal/store"
)

// Outbound event kinds (server -> client).
const (
	KindLoginAck        = "login-ack"
	KindRoomJoined      = "room-joined"
	KindRoomLeft        = "room-left"
	KindUserJoined      = "user-joined"
	KindUserLeft        = "user-left"
	KindRoomList        = "room-list"
	KindRoomHistory     = "room-history"
	KindChatMessage     = "chat-message"
	KindRowAdded        = "row-added"
	KindRowEdited       = "row-edited"
	KindRowDeleted      = "row-deleted"
	KindRowMoved        = "row-moved"
	KindRowLocked       = "row-locked"
	KindRowUnlocked     = "row-unlocked"
	KindLockDenied      = "lock-denied"
	KindReactionUpdated = "reaction-updated"
	KindPollUpdated     = "poll-updated"
	KindDomainError     = "domain-error"
)

// Event is one authoritative server -> client message.
type Event struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// Envelope is the raw wire form before the payload is decoded.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ParseEnvelope decodes one inbound frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	return env, nil
}

// PostView is the client-facing shape of a row. Poll voter identities are
// stripped when the poll is anonymous.
type PostView struct {
	ID            string    `json:"id"`
	SpaceID       int64     `json:"spaceId"`
	RoomID        *string   `json:"roomId"`
	Content       string    `json:"content"`
	OrderKey      float64   `json:"orderKey"`
	IndentLevel   int       `json:"indentLevel"`
	Author        string    `json:"author"`
	AgreeCount    int       `json:"agreeCount"`
	DisagreeCount int       `json:"disagreeCount"`
	Poll          *PollView `json:"poll,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type PollView struct {
	Question  string           `json:"question"`
	Anonymous bool             `json:"anonymous"`
	Options   []PollOptionView `json:"options"`
}

type PollOptionView struct {
	Label  string   `json:"label"`
	Count  int      `json:"count"`
	Voters []string `json:"voters,omitempty"`
}

// ViewOf converts a stored post to its wire shape.
func ViewOf(p store.Post) PostView {
	view := PostView{
		ID:            p.ID,
		SpaceID:       p.SpaceID,
		RoomID:        p.RoomID,
		Content:       p.Content,
		OrderKey:      p.OrderKey,
		IndentLevel:   p.IndentLevel,
		Author:        p.AuthorDisplayName,
		AgreeCount:    p.AgreeCount(),
		DisagreeCount: p.DisagreeCount(),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if p.Poll != nil {
		poll := &PollView{Question: p.Poll.Question, Anonymous: p.Poll.Anonymous}
		for _, opt := range p.Poll.Options {
			option := PollOptionView{Label: opt.Label, Count: len(opt.Voters)}
			if !p.Poll.Anonymous {
				option.Voters = opt.Voters
			}
			poll.Options = append(poll.Options, option)
		}
		view.Poll = poll
	}
	return view
}

// ViewsOf converts a stored post slice, preserving order.
func ViewsOf(posts []store.Post) []PostView {
	views := make([]PostView, 0, len(posts))
	for _, p := range posts {
		views = append(views, ViewOf(p))
	}
	return views
}

// --- outbound payloads ---

type LoginAck struct {
	ConnID      string     `json:"connId"`
	DisplayName string     `json:"displayName"`
	SpaceID     int64      `json:"spaceId"`
	SpaceName   string     `json:"spaceName"`
	Document    []PostView `json:"document"`
}

type RoomJoined struct {
	RoomID       string `json:"roomId"`
	RoomName     string `json:"roomName"`
	Participants int    `json:"participants"`
}

type RoomLeft struct {
	RoomID string `json:"roomId"`
}

type UserPresence struct {
	RoomID       string `json:"roomId"`
	DisplayName  string `json:"displayName"`
	Participants int    `json:"participants"`
}

type RoomInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
	MessageCount int    `json:"messageCount"`
}

type SpaceInfo struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type RoomList struct {
	Rooms     []RoomInfo `json:"rooms"`
	SpaceInfo SpaceInfo  `json:"spaceInfo"`
}

type RoomHistory struct {
	RoomID   string     `json:"roomId"`
	Messages []PostView `json:"messages"`
}

type RowAdded struct {
	Post PostView `json:"post"`
}

type RowEdited struct {
	Post PostView `json:"post"`
}

type RowDeleted struct {
	RowID string `json:"rowId"`
}

// ReorderInfo names the moved row and the actor; the full resulting order is
// broadcast alongside it rather than a delta.
type ReorderInfo struct {
	MovedRowID string `json:"movedRowId"`
	ActorName  string `json:"actorName"`
}

type RowMoved struct {
	Posts       []PostView  `json:"posts"`
	ReorderInfo ReorderInfo `json:"reorderInfo"`
}

type HolderInfo struct {
	DisplayName string `json:"displayName"`
	ConnID      string `json:"connId"`
}

type RowLocked struct {
	RowInstanceID string     `json:"rowInstanceId"`
	Holder        HolderInfo `json:"holder"`
}

type RowUnlocked struct {
	RowInstanceID string `json:"rowInstanceId"`
}

type LockDenied struct {
	RowInstanceID string     `json:"rowInstanceId"`
	Reason        string     `json:"reason"`
	Holder        HolderInfo `json:"holder"`
}

// ReactionUpdated carries the aggregate counts plus the requester's own vote
// state ("agree", "disagree" or "").
type ReactionUpdated struct {
	RowID         string `json:"rowId"`
	AgreeCount    int    `json:"agreeCount"`
	DisagreeCount int    `json:"disagreeCount"`
	YourVote      string `json:"yourVote,omitempty"`
}

type PollUpdated struct {
	RowID string   `json:"rowId"`
	Poll  PollView `json:"poll"`
}

type DomainError struct {
	Operation string `json:"operation"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
