package search

// Result is a single chat message hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Snippet string `json:"snippet"`
	Author  string `json:"author"`
	SpaceID int64  `json:"spaceId"`
	RoomID  string `json:"roomId"`
}

// Query describes a message search request.
type Query struct {
	Text    string
	SpaceID int64  // 0 = all spaces
	RoomID  string // empty = all rooms
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a message search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index per chat message.
type MessageRecord struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  string `json:"author"`
	SpaceID int64  `json:"spaceId"`
	RoomID  string `json:"roomId"`
}
