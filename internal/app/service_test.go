package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/stumn/Chatment-sub000/internal/archive"
	"github.com/stumn/Chatment-sub000/internal/hub"
	"github.com/stumn/Chatment-sub000/internal/store"
)

type fakeStore struct {
	insertSpace       func(ctx context.Context, name string, passcodeHash *string) (store.Space, error)
	getSpace          func(ctx context.Context, spaceID int64) (store.Space, error)
	listSpaces        func(ctx context.Context, status string) ([]store.Space, error)
	renameSpace       func(ctx context.Context, spaceID int64, name string) error
	setSpaceStatus    func(ctx context.Context, spaceID int64, status string) error
	deleteSpace       func(ctx context.Context, spaceID int64) error
	insertRoom        func(ctx context.Context, room store.Room) (store.Room, error)
	listRooms         func(ctx context.Context, spaceID int64) ([]store.Room, error)
	createPost        func(ctx context.Context, p store.Post) (store.Post, error)
	listDocumentPosts func(ctx context.Context, spaceID int64) ([]store.Post, error)
	updateOrderKeys   func(ctx context.Context, postIDs []string, orderKeys []float64) error
	ping              func(ctx context.Context) error
}

func (f *fakeStore) InsertSpace(ctx context.Context, name string, passcodeHash *string) (store.Space, error) {
	return f.insertSpace(ctx, name, passcodeHash)
}
func (f *fakeStore) GetSpace(ctx context.Context, spaceID int64) (store.Space, error) {
	return f.getSpace(ctx, spaceID)
}
func (f *fakeStore) ListSpaces(ctx context.Context, status string) ([]store.Space, error) {
	return f.listSpaces(ctx, status)
}
func (f *fakeStore) RenameSpace(ctx context.Context, spaceID int64, name string) error {
	return f.renameSpace(ctx, spaceID, name)
}
func (f *fakeStore) SetSpaceStatus(ctx context.Context, spaceID int64, status string) error {
	return f.setSpaceStatus(ctx, spaceID, status)
}
func (f *fakeStore) DeleteSpace(ctx context.Context, spaceID int64) error {
	return f.deleteSpace(ctx, spaceID)
}
func (f *fakeStore) InsertRoom(ctx context.Context, room store.Room) (store.Room, error) {
	return f.insertRoom(ctx, room)
}
func (f *fakeStore) ListRooms(ctx context.Context, spaceID int64) ([]store.Room, error) {
	return f.listRooms(ctx, spaceID)
}
func (f *fakeStore) CreatePost(ctx context.Context, p store.Post) (store.Post, error) {
	return f.createPost(ctx, p)
}
func (f *fakeStore) ListDocumentPosts(ctx context.Context, spaceID int64) ([]store.Post, error) {
	return f.listDocumentPosts(ctx, spaceID)
}
func (f *fakeStore) UpdateOrderKeys(ctx context.Context, postIDs []string, orderKeys []float64) error {
	return f.updateOrderKeys(ctx, postIDs, orderKeys)
}
func (f *fakeStore) Ping(ctx context.Context) error {
	if f.ping != nil {
		return f.ping(ctx)
	}
	return nil
}

type fakeArchive struct {
	ensured   []int64
	snapshots []string
}

func (f *fakeArchive) EnsureSpaceRepo(spaceID int64, spaceName, author string) error {
	f.ensured = append(f.ensured, spaceID)
	return nil
}
func (f *fakeArchive) Snapshot(spaceID int64, spaceName string, posts []store.Post, author, message string) (archive.CommitInfo, error) {
	f.snapshots = append(f.snapshots, message)
	return archive.CommitInfo{Hash: "abc1234", Message: message, Author: author}, nil
}
func (f *fakeArchive) Head(spaceID int64) (string, archive.CommitInfo, error) {
	return "# Planning\n", archive.CommitInfo{Hash: "abc1234"}, nil
}
func (f *fakeArchive) ContentByHash(spaceID int64, hash string) (string, error) {
	if hash != "abc1234" {
		return "", errors.New("unknown snapshot")
	}
	return "# Planning (archived)\n", nil
}
func (f *fakeArchive) History(spaceID int64, limit int) ([]archive.CommitInfo, error) {
	return []archive.CommitInfo{{Hash: "abc1234"}}, nil
}

func TestCreateSpaceSeedsHeadRowAndRoom(t *testing.T) {
	var createdPosts []store.Post
	var createdRooms []store.Room
	var storedHash *string

	fs := &fakeStore{
		insertSpace: func(_ context.Context, name string, passcodeHash *string) (store.Space, error) {
			storedHash = passcodeHash
			return store.Space{ID: 7, Name: name, Status: store.SpaceActive, PasscodeHash: passcodeHash}, nil
		},
		createPost: func(_ context.Context, p store.Post) (store.Post, error) {
			p.ID = "post_1"
			createdPosts = append(createdPosts, p)
			return p, nil
		},
		insertRoom: func(_ context.Context, room store.Room) (store.Room, error) {
			createdRooms = append(createdRooms, room)
			return room, nil
		},
	}
	arch := &fakeArchive{}
	svc := NewService(fs, hub.NewRegistry()).WithArchive(arch)

	view, err := svc.CreateSpace(context.Background(), "Planning", "secret", "Aki")
	if err != nil {
		t.Fatalf("CreateSpace() error = %v", err)
	}
	if view.ID != 7 || !view.HasPasscode {
		t.Errorf("view = %+v, want id 7 with passcode", view)
	}

	if len(createdPosts) != 1 || createdPosts[0].OrderKey != 1 || createdPosts[0].RoomID != nil {
		t.Errorf("seeded posts = %+v, want one head document row with key 1", createdPosts)
	}
	if len(createdRooms) != 1 || createdRooms[0].ID != "space7-main" {
		t.Errorf("seeded rooms = %+v, want space7-main", createdRooms)
	}
	if storedHash == nil {
		t.Fatal("passcode hash was not stored")
	}
	if bcrypt.CompareHashAndPassword([]byte(*storedHash), []byte("secret")) != nil {
		t.Error("stored hash does not verify against the passcode")
	}
	if len(arch.ensured) != 1 || arch.ensured[0] != 7 {
		t.Errorf("archive ensured = %v, want [7]", arch.ensured)
	}
}

func TestCreateSpaceRequiresName(t *testing.T) {
	svc := NewService(&fakeStore{}, nil)

	_, err := svc.CreateSpace(context.Background(), "   ", "", "Aki")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("CreateSpace() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestFinishSpaceLifecycle(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	passcodeHash := string(hash)
	status := store.SpaceActive

	fs := &fakeStore{
		getSpace: func(_ context.Context, spaceID int64) (store.Space, error) {
			return store.Space{ID: spaceID, Name: "Planning", Status: status, PasscodeHash: &passcodeHash}, nil
		},
		listDocumentPosts: func(_ context.Context, _ int64) ([]store.Post, error) {
			return []store.Post{{ID: "post_1", Content: "head", OrderKey: 1}}, nil
		},
		setSpaceStatus: func(_ context.Context, _ int64, newStatus string) error {
			status = newStatus
			return nil
		},
	}
	arch := &fakeArchive{}
	svc := NewService(fs, nil).WithArchive(arch)

	// Wrong passcode is rejected before anything happens.
	_, err = svc.FinishSpace(context.Background(), 7, "wrong", "Aki")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_PASSCODE" {
		t.Fatalf("FinishSpace(wrong passcode) error = %v, want INVALID_PASSCODE", err)
	}
	if len(arch.snapshots) != 0 {
		t.Fatal("no snapshot should be taken on passcode failure")
	}

	view, err := svc.FinishSpace(context.Background(), 7, "secret", "Aki")
	if err != nil {
		t.Fatalf("FinishSpace() error = %v", err)
	}
	if view.Status != store.SpaceFinished || status != store.SpaceFinished {
		t.Errorf("status = %s/%s, want finished", view.Status, status)
	}
	if len(arch.snapshots) != 1 || arch.snapshots[0] != "Finish space" {
		t.Errorf("snapshots = %v, want the finish snapshot", arch.snapshots)
	}

	// A finished space cannot be finished again.
	_, err = svc.FinishSpace(context.Background(), 7, "secret", "Aki")
	if !errors.As(err, &domainErr) || domainErr.Code != "ALREADY_FINISHED" {
		t.Errorf("second FinishSpace() error = %v, want ALREADY_FINISHED", err)
	}
}

func TestCreateRoomRejectsFinishedSpace(t *testing.T) {
	fs := &fakeStore{
		getSpace: func(_ context.Context, spaceID int64) (store.Space, error) {
			return store.Space{ID: spaceID, Name: "Planning", Status: store.SpaceFinished}, nil
		},
	}
	svc := NewService(fs, nil)

	_, err := svc.CreateRoom(context.Background(), 7, "side")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "SPACE_FINISHED" {
		t.Fatalf("CreateRoom() error = %v, want SPACE_FINISHED", err)
	}
}

func TestRebalanceDocument(t *testing.T) {
	var gotIDs []string
	var gotKeys []float64
	fs := &fakeStore{
		getSpace: func(_ context.Context, spaceID int64) (store.Space, error) {
			return store.Space{ID: spaceID, Name: "Planning", Status: store.SpaceActive}, nil
		},
		listDocumentPosts: func(_ context.Context, _ int64) ([]store.Post, error) {
			return []store.Post{
				{ID: "a", OrderKey: 1.0000000001},
				{ID: "b", OrderKey: 1.0000000002},
				{ID: "c", OrderKey: 2},
			}, nil
		},
		updateOrderKeys: func(_ context.Context, postIDs []string, orderKeys []float64) error {
			gotIDs = postIDs
			gotKeys = orderKeys
			return nil
		},
	}
	svc := NewService(fs, hub.NewRegistry())

	views, err := svc.RebalanceDocument(context.Background(), 7)
	if err != nil {
		t.Fatalf("RebalanceDocument() error = %v", err)
	}
	if len(gotIDs) != 3 || gotKeys[0] != 1 || gotKeys[1] != 2 || gotKeys[2] != 3 {
		t.Errorf("rebalanced keys = %v for %v, want whole integers", gotKeys, gotIDs)
	}
	if len(views) != 3 || views[1].OrderKey != 2 {
		t.Errorf("views = %+v, want refreshed keys", views)
	}
}

func TestSpaceNotFoundMapsTo404(t *testing.T) {
	fs := &fakeStore{
		getSpace: func(_ context.Context, _ int64) (store.Space, error) {
			return store.Space{}, sql.ErrNoRows
		},
	}
	server := NewHTTPServer(NewService(fs, nil), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/spaces/99", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	fs := &fakeStore{}
	server := NewHTTPServer(NewService(fs, nil), "*")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d, want 200", rec.Code)
	}

	// Readiness fails when the database is unreachable.
	fs.ping = func(_ context.Context) error { return errors.New("connection refused") }
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d, want 503", rec.Code)
	}
}

func TestCreateSpaceEndpoint(t *testing.T) {
	fs := &fakeStore{
		insertSpace: func(_ context.Context, name string, passcodeHash *string) (store.Space, error) {
			return store.Space{ID: 7, Name: name, Status: store.SpaceActive}, nil
		},
		createPost: func(_ context.Context, p store.Post) (store.Post, error) { return p, nil },
		insertRoom: func(_ context.Context, room store.Room) (store.Room, error) { return room, nil },
	}
	server := NewHTTPServer(NewService(fs, nil), "*")

	body := strings.NewReader(`{"name":"Planning","author":"Aki"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/spaces", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view SpaceView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.ID != 7 || view.Name != "Planning" || view.HasPasscode {
		t.Errorf("view = %+v", view)
	}

	// Blank name is rejected with a validation error.
	req = httptest.NewRequest(http.MethodPost, "/api/spaces", strings.NewReader(`{"name":""}`))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestSearchEndpointRequiresQuery(t *testing.T) {
	server := NewHTTPServer(NewService(&fakeStore{}, nil), "*")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	// Configured query but no search backend.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search?q=hello", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestArchiveEndpoints(t *testing.T) {
	fs := &fakeStore{
		getSpace: func(_ context.Context, spaceID int64) (store.Space, error) {
			return store.Space{ID: spaceID, Name: "Planning", Status: store.SpaceFinished}, nil
		},
	}
	server := NewHTTPServer(NewService(fs, nil).WithArchive(&fakeArchive{}), "*")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/spaces/7/archive", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("archive head status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# Planning") {
		t.Errorf("archive head body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/spaces/7/archive/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("archive history status = %d", rec.Code)
	}

	// A specific snapshot is addressable by its commit hash.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/spaces/7/archive/abc1234", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("archive content status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "# Planning (archived)") {
		t.Errorf("archive content body = %s", rec.Body.String())
	}
}

func TestSnapshotArchiveOnDemand(t *testing.T) {
	fs := &fakeStore{
		getSpace: func(_ context.Context, spaceID int64) (store.Space, error) {
			return store.Space{ID: spaceID, Name: "Planning", Status: store.SpaceActive}, nil
		},
		listDocumentPosts: func(_ context.Context, _ int64) ([]store.Post, error) {
			return []store.Post{{ID: "post_1", Content: "head", OrderKey: 1}}, nil
		},
	}
	arch := &fakeArchive{}
	server := NewHTTPServer(NewService(fs, nil).WithArchive(arch), "*")

	body := strings.NewReader(`{"actor":"Aki","message":"Before the review"}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/spaces/7/archive", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("snapshot status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(arch.snapshots) != 1 || arch.snapshots[0] != "Before the review" {
		t.Errorf("snapshots = %v", arch.snapshots)
	}

	// Blank message falls back to a default.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/spaces/7/archive", strings.NewReader(`{"actor":"Aki"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("snapshot status = %d", rec.Code)
	}
	if len(arch.snapshots) != 2 || arch.snapshots[1] != "Snapshot document" {
		t.Errorf("snapshots = %v", arch.snapshots)
	}
}
