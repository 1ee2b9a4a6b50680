// Package app is the administrative surface of the engine: space and room
// management, document fetch, order-key rebalancing, message search and
// archive browsing. The realtime channel never goes through here.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/stumn/Chatment-sub000/internal/archive"
	"github.com/stumn/Chatment-sub000/internal/event"
	"github.com/stumn/Chatment-sub000/internal/hub"
	"github.com/stumn/Chatment-sub000/internal/order"
	"github.com/stumn/Chatment-sub000/internal/search"
	"github.com/stumn/Chatment-sub000/internal/store"
)

type adminStore interface {
	InsertSpace(ctx context.Context, name string, passcodeHash *string) (store.Space, error)
	GetSpace(ctx context.Context, spaceID int64) (store.Space, error)
	ListSpaces(ctx context.Context, status string) ([]store.Space, error)
	RenameSpace(ctx context.Context, spaceID int64, name string) error
	SetSpaceStatus(ctx context.Context, spaceID int64, status string) error
	DeleteSpace(ctx context.Context, spaceID int64) error
	InsertRoom(ctx context.Context, room store.Room) (store.Room, error)
	ListRooms(ctx context.Context, spaceID int64) ([]store.Room, error)
	CreatePost(ctx context.Context, p store.Post) (store.Post, error)
	ListDocumentPosts(ctx context.Context, spaceID int64) ([]store.Post, error)
	UpdateOrderKeys(ctx context.Context, postIDs []string, orderKeys []float64) error
	Ping(ctx context.Context) error
}

type spaceArchive interface {
	EnsureSpaceRepo(spaceID int64, spaceName, author string) error
	Snapshot(spaceID int64, spaceName string, posts []store.Post, author, message string) (archive.CommitInfo, error)
	Head(spaceID int64) (string, archive.CommitInfo, error)
	ContentByHash(spaceID int64, hash string) (string, error)
	History(spaceID int64, limit int) ([]archive.CommitInfo, error)
}

type searcher interface {
	Search(q search.Query) search.Response
}

// SpaceView is the admin-facing shape of a space; the passcode hash never
// leaves the service.
type SpaceView struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	HasPasscode bool   `json:"hasPasscode"`
}

type Service struct {
	store   adminStore
	archive spaceArchive // nil when archiving is disabled
	search  searcher     // nil when search is disabled
	reg     *hub.Registry
}

func NewService(adminStore adminStore, reg *hub.Registry) *Service {
	return &Service{store: adminStore, reg: reg}
}

// WithArchive attaches the space archive.
func (s *Service) WithArchive(a spaceArchive) *Service {
	s.archive = a
	return s
}

// WithSearch attaches the message search facade.
func (s *Service) WithSearch(idx searcher) *Service {
	s.search = idx
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func viewOf(space store.Space) SpaceView {
	return SpaceView{
		ID:          space.ID,
		Name:        space.Name,
		Status:      space.Status,
		HasPasscode: space.PasscodeHash != nil,
	}
}

// ListSpaces returns spaces filtered by status ("" = all).
func (s *Service) ListSpaces(ctx context.Context, status string) ([]SpaceView, error) {
	if status != "" && status != store.SpaceActive && status != store.SpaceFinished {
		return nil, invalidInput("status must be active or finished")
	}
	spaces, err := s.store.ListSpaces(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	views := make([]SpaceView, 0, len(spaces))
	for _, space := range spaces {
		views = append(views, viewOf(space))
	}
	return views, nil
}

func (s *Service) GetSpace(ctx context.Context, spaceID int64) (SpaceView, error) {
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return SpaceView{}, err
	}
	return viewOf(space), nil
}

// CreateSpace creates a space with its default room and the head document
// row every later doc-add anchors on.
func (s *Service) CreateSpace(ctx context.Context, name, passcode, author string) (SpaceView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return SpaceView{}, invalidInput("name is required")
	}

	var passcodeHash *string
	if passcode != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
		if err != nil {
			return SpaceView{}, fmt.Errorf("hash passcode: %w", err)
		}
		h := string(hashed)
		passcodeHash = &h
	}

	space, err := s.store.InsertSpace(ctx, name, passcodeHash)
	if err != nil {
		return SpaceView{}, fmt.Errorf("insert space: %w", err)
	}

	if _, err := s.store.CreatePost(ctx, store.Post{
		SpaceID:           space.ID,
		Content:           name,
		OrderKey:          1,
		AuthorDisplayName: author,
	}); err != nil {
		return SpaceView{}, fmt.Errorf("seed head row: %w", err)
	}

	if _, err := s.store.InsertRoom(ctx, store.Room{
		ID:      fmt.Sprintf("space%d-main", space.ID),
		SpaceID: space.ID,
		Name:    "main",
	}); err != nil {
		return SpaceView{}, fmt.Errorf("create default room: %w", err)
	}

	if s.archive != nil {
		if err := s.archive.EnsureSpaceRepo(space.ID, space.Name, author); err != nil {
			log.Printf("app: archive init for space %d: %v", space.ID, err)
		}
	}
	return viewOf(space), nil
}

// RenameSpace renames a space after verifying its passcode.
func (s *Service) RenameSpace(ctx context.Context, spaceID int64, name, passcode string) (SpaceView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return SpaceView{}, invalidInput("name is required")
	}
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return SpaceView{}, err
	}
	if err := verifyPasscode(space, passcode); err != nil {
		return SpaceView{}, err
	}
	if err := s.store.RenameSpace(ctx, spaceID, name); err != nil {
		return SpaceView{}, fmt.Errorf("rename space: %w", err)
	}
	space.Name = name
	return viewOf(space), nil
}

// FinishSpace archives a final snapshot of the document and marks the space
// finished. Finished spaces reject further finishes.
func (s *Service) FinishSpace(ctx context.Context, spaceID int64, passcode, actor string) (SpaceView, error) {
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return SpaceView{}, err
	}
	if err := verifyPasscode(space, passcode); err != nil {
		return SpaceView{}, err
	}
	if space.Finished() {
		return SpaceView{}, conflict("ALREADY_FINISHED", "space is already finished")
	}

	if s.archive != nil {
		posts, err := s.store.ListDocumentPosts(ctx, spaceID)
		if err != nil {
			return SpaceView{}, fmt.Errorf("load document for archive: %w", err)
		}
		if err := s.archive.EnsureSpaceRepo(spaceID, space.Name, actor); err != nil {
			log.Printf("app: archive init for space %d: %v", spaceID, err)
		} else if _, err := s.archive.Snapshot(spaceID, space.Name, posts, actor, "Finish space"); err != nil {
			log.Printf("app: archive snapshot for space %d: %v", spaceID, err)
		}
	}

	if err := s.store.SetSpaceStatus(ctx, spaceID, store.SpaceFinished); err != nil {
		return SpaceView{}, fmt.Errorf("set space status: %w", err)
	}
	space.Status = store.SpaceFinished
	return viewOf(space), nil
}

// DeleteSpace removes the space with its rooms and posts.
func (s *Service) DeleteSpace(ctx context.Context, spaceID int64, passcode string) error {
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return err
	}
	if err := verifyPasscode(space, passcode); err != nil {
		return err
	}
	if err := s.store.DeleteSpace(ctx, spaceID); err != nil {
		return fmt.Errorf("delete space: %w", err)
	}
	return nil
}

func verifyPasscode(space store.Space, passcode string) error {
	if space.PasscodeHash == nil {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*space.PasscodeHash), []byte(passcode)); err != nil {
		return forbidden("INVALID_PASSCODE", "passcode does not match")
	}
	return nil
}

// ListRooms lists the rooms of a space with live participant counts.
func (s *Service) ListRooms(ctx context.Context, spaceID int64) ([]event.RoomInfo, error) {
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	rooms, err := s.store.ListRooms(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	infos := make([]event.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		info := event.RoomInfo{ID: room.ID, Name: room.Name, MessageCount: room.MessageCount}
		if s.reg != nil {
			info.Participants = s.reg.ParticipantCount(room.ID)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CreateRoom adds a chat room to an active space.
func (s *Service) CreateRoom(ctx context.Context, spaceID int64, name string) (store.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Room{}, invalidInput("name is required")
	}
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return store.Room{}, err
	}
	if space.Finished() {
		return store.Room{}, conflict("SPACE_FINISHED", "finished spaces do not accept new rooms")
	}
	room, err := s.store.InsertRoom(ctx, store.Room{
		ID:      fmt.Sprintf("space%d-%s", spaceID, slugify(name)),
		SpaceID: spaceID,
		Name:    name,
	})
	if err != nil {
		return store.Room{}, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "room"
	}
	return b.String()
}

// Document returns the full ordered document of a space.
func (s *Service) Document(ctx context.Context, spaceID int64) ([]event.PostView, error) {
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	posts, err := s.store.ListDocumentPosts(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list document: %w", err)
	}
	return event.ViewsOf(posts), nil
}

// RebalanceDocument renumbers the space's order keys to whole integers and
// broadcasts the resulting order to connected clients. Run when repeated
// inserts at one spot have driven neighboring keys toward the float64
// precision floor.
func (s *Service) RebalanceDocument(ctx context.Context, spaceID int64) ([]event.PostView, error) {
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	posts, err := s.store.ListDocumentPosts(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list document: %w", err)
	}

	keys := make([]float64, len(posts))
	ids := make([]string, len(posts))
	for i, p := range posts {
		keys[i] = p.OrderKey
		ids[i] = p.ID
	}
	rebalanced := order.Rebalance(keys)
	if err := s.store.UpdateOrderKeys(ctx, ids, rebalanced); err != nil {
		return nil, fmt.Errorf("update order keys: %w", err)
	}
	for i := range posts {
		posts[i].OrderKey = rebalanced[i]
	}

	views := event.ViewsOf(posts)
	if s.reg != nil {
		s.reg.BroadcastSpace(spaceID, event.Event{Kind: event.KindRowMoved, Payload: event.RowMoved{
			Posts:       views,
			ReorderInfo: event.ReorderInfo{ActorName: "admin"},
		}}, "")
	}
	return views, nil
}

// SearchMessages runs a chat message search.
func (s *Service) SearchMessages(q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, unavailable("SEARCH_UNAVAILABLE", "search is not configured")
	}
	return s.search.Search(q), nil
}

// ArchiveHead returns the latest archived markdown for a space.
func (s *Service) ArchiveHead(ctx context.Context, spaceID int64) (string, archive.CommitInfo, error) {
	if s.archive == nil {
		return "", archive.CommitInfo{}, unavailable("ARCHIVE_UNAVAILABLE", "archiving is not configured")
	}
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return "", archive.CommitInfo{}, err
	}
	return s.archive.Head(spaceID)
}

// ArchiveContent returns the archived markdown at one specific snapshot.
func (s *Service) ArchiveContent(ctx context.Context, spaceID int64, hash string) (string, error) {
	if s.archive == nil {
		return "", unavailable("ARCHIVE_UNAVAILABLE", "archiving is not configured")
	}
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return "", err
	}
	content, err := s.archive.ContentByHash(spaceID, hash)
	if err != nil {
		return "", fmt.Errorf("archive content %s: %w", hash, err)
	}
	return content, nil
}

// SnapshotArchive commits the current document to the space's archive on
// demand, without changing the space status.
func (s *Service) SnapshotArchive(ctx context.Context, spaceID int64, actor, message string) (archive.CommitInfo, error) {
	if s.archive == nil {
		return archive.CommitInfo{}, unavailable("ARCHIVE_UNAVAILABLE", "archiving is not configured")
	}
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return archive.CommitInfo{}, err
	}
	posts, err := s.store.ListDocumentPosts(ctx, spaceID)
	if err != nil {
		return archive.CommitInfo{}, fmt.Errorf("load document for archive: %w", err)
	}
	if err := s.archive.EnsureSpaceRepo(spaceID, space.Name, actor); err != nil {
		return archive.CommitInfo{}, fmt.Errorf("archive init: %w", err)
	}
	if strings.TrimSpace(message) == "" {
		message = "Snapshot document"
	}
	commit, err := s.archive.Snapshot(spaceID, space.Name, posts, actor, message)
	if err != nil {
		return archive.CommitInfo{}, fmt.Errorf("archive snapshot: %w", err)
	}
	return commit, nil
}

// ArchiveHistory lists archived snapshots for a space.
func (s *Service) ArchiveHistory(ctx context.Context, spaceID int64, limit int) ([]archive.CommitInfo, error) {
	if s.archive == nil {
		return nil, unavailable("ARCHIVE_UNAVAILABLE", "archiving is not configured")
	}
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	return s.archive.History(spaceID, limit)
}
