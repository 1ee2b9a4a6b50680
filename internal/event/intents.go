package event

import (
	"encoding/json"
	"fmt"

	"github.com/stumn/Chatment-sub000/internal/store"
)

// Inbound intent kinds (client -> server).
const (
	KindLogin            = "login"
	KindJoinRoom         = "join-room"
	KindLeaveRoom        = "leave-room"
	KindChatMessageSend  = "chat-message"
	KindDocAdd           = "doc-add"
	KindDocEdit          = "doc-edit"
	KindDocDelete        = "doc-delete"
	KindDocReorder       = "doc-reorder"
	KindDocIndentChange  = "doc-indent-change"
	KindRequestLock      = "request-lock"
	KindReleaseLock      = "release-lock"
	KindReact            = "react"
	KindPollVote         = "poll-vote"
	KindGetRoomList      = "get-room-list"
	KindFetchRoomHistory = "fetch-room-history"
)

// Intent is the closed set of client requests. The concrete type is selected
// by the envelope kind in DecodeIntent.
type Intent interface {
	IntentKind() string
}

type Login struct {
	DisplayName string            `json:"displayName"`
	Attributes  map[string]string `json:"attributes"`
	SpaceID     int64             `json:"spaceId"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type ChatMessage struct {
	DisplayName string      `json:"displayName"`
	Text        string      `json:"text"`
	SpaceID     int64       `json:"spaceId"`
	RoomID      string      `json:"roomId,omitempty"`
	Poll        *store.Poll `json:"poll,omitempty"`
}

type DocAdd struct {
	AfterRowID  string `json:"afterRowId"`
	Content     string `json:"content"`
	IndentLevel int    `json:"indentLevel"`
	SpaceID     int64  `json:"spaceId"`
}

type DocEdit struct {
	RowID      string `json:"rowId"`
	NewContent string `json:"newContent"`
	SpaceID    int64  `json:"spaceId"`
}

type DocDelete struct {
	RowID string `json:"rowId"`
}

type DocReorder struct {
	RowID   string   `json:"rowId"`
	PrevKey *float64 `json:"prevKey"`
	NextKey *float64 `json:"nextKey"`
	SpaceID int64    `json:"spaceId"`
}

type DocIndentChange struct {
	RowID          string `json:"rowId"`
	NewIndentLevel int    `json:"newIndentLevel"`
}

type RequestLock struct {
	RowInstanceID string `json:"rowInstanceId"`
	DisplayName   string `json:"displayName"`
}

type ReleaseLock struct {
	RowInstanceID string `json:"rowInstanceId"`
}

type React struct {
	RowID string `json:"rowId"`
	Kind  string `json:"kind"`
}

type PollVote struct {
	RowID       string `json:"rowId"`
	OptionIndex int    `json:"optionIndex"`
}

type GetRoomList struct {
	SpaceID int64 `json:"spaceId"`
}

type FetchRoomHistory struct {
	RoomID string `json:"roomId"`
}

func (Login) IntentKind() string            { return KindLogin }
func (JoinRoom) IntentKind() string         { return KindJoinRoom }
func (LeaveRoom) IntentKind() string        { return KindLeaveRoom }
func (ChatMessage) IntentKind() string      { return KindChatMessageSend }
func (DocAdd) IntentKind() string           { return KindDocAdd }
func (DocEdit) IntentKind() string          { return KindDocEdit }
func (DocDelete) IntentKind() string        { return KindDocDelete }
func (DocReorder) IntentKind() string       { return KindDocReorder }
func (DocIndentChange) IntentKind() string  { return KindDocIndentChange }
func (RequestLock) IntentKind() string      { return KindRequestLock }
func (ReleaseLock) IntentKind() string      { return KindReleaseLock }
func (React) IntentKind() string            { return KindReact }
func (PollVote) IntentKind() string         { return KindPollVote }
func (GetRoomList) IntentKind() string      { return KindGetRoomList }
func (FetchRoomHistory) IntentKind() string { return KindFetchRoomHistory }

// DecodeIntent turns a parsed envelope into its typed intent.
func DecodeIntent(env Envelope) (Intent, error) {
	decode := func(into Intent) (Intent, error) {
		if len(env.Payload) == 0 {
			return into, nil
		}
		if err := json.Unmarshal(env.Payload, into); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return into, nil
	}

	switch env.Kind {
	case KindLogin:
		return decode(&Login{})
	case KindJoinRoom:
		return decode(&JoinRoom{})
	case KindLeaveRoom:
		return decode(&LeaveRoom{})
	case KindChatMessageSend:
		return decode(&ChatMessage{})
	case KindDocAdd:
		return decode(&DocAdd{})
	case KindDocEdit:
		return decode(&DocEdit{})
	case KindDocDelete:
		return decode(&DocDelete{})
	case KindDocReorder:
		return decode(&DocReorder{})
	case KindDocIndentChange:
		return decode(&DocIndentChange{})
	case KindRequestLock:
		return decode(&RequestLock{})
	case KindReleaseLock:
		return decode(&ReleaseLock{})
	case KindReact:
		return decode(&React{})
	case KindPollVote:
		return decode(&PollVote{})
	case KindGetRoomList:
		return decode(&GetRoomList{})
	case KindFetchRoomHistory:
		return decode(&FetchRoomHistory{})
	default:
		return nil, fmt.Errorf("unknown intent kind %q", env.Kind)
	}
}
