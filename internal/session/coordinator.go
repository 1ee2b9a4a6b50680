// Package session implements the per-connection intent pipeline: validate,
// check locks, allocate order keys, persist, then broadcast. The transport
// feeds one intent at a time per connection; intents from different
// connections interleave, so every piece of shared state (lock table, room
// registry, per-space order) is serialized here or inside its owner.
package session

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/stumn/Chatment-sub000/internal/event"
	"github.com/stumn/Chatment-sub000/internal/hub"
	"github.com/stumn/Chatment-sub000/internal/lock"
	"github.com/stumn/Chatment-sub000/internal/order"
	"github.com/stumn/Chatment-sub000/internal/store"
)

const defaultHistoryLimit = 500

type dataStore interface {
	CreatePost(context.Context, store.Post) (store.Post, error)
	GetPost(context.Context, string) (store.Post, error)
	UpdatePostContent(context.Context, string, string) (store.Post, error)
	UpdatePostIndent(context.Context, string, int) (store.Post, error)
	UpdatePostOrderKey(context.Context, string, float64) (store.Post, error)
	UpdatePostVoters(context.Context, string, []string, []string) (store.Post, error)
	UpdatePostPoll(context.Context, string, *store.Poll) (store.Post, error)
	DeletePost(context.Context, string) (bool, error)
	ListDocumentPosts(context.Context, int64) ([]store.Post, error)
	ListRoomPosts(context.Context, string, int) ([]store.Post, error)
	GetRoom(context.Context, string) (store.Room, error)
	ListRooms(context.Context, int64) ([]store.Room, error)
	IncrementRoomMessages(context.Context, string) (int, error)
	GetSpace(context.Context, int64) (store.Space, error)
}

type historyCache interface {
	GetHistory(context.Context, string) ([]event.PostView, bool, error)
	PutHistory(context.Context, string, []event.PostView) error
	InvalidateHistory(context.Context, string) error
	IncrMessageCount(context.Context, string) (int64, error)
	MessageCount(context.Context, string) (int64, error)
}

type searchIndex interface {
	IndexMessage(post store.Post)
	RemoveMessage(postID string)
}

// Coordinator validates incoming intents and drives the collaborators in
// order: lock table, order allocator, store, broadcast router.
type Coordinator struct {
	store  dataStore
	cache  historyCache
	locks  *lock.Table
	reg    *hub.Registry
	search searchIndex

	historyLimit int

	// spaceMu guards per-space order computation: reading the ordered key
	// list and persisting the new key must be atomic per space, or two adds
	// at the same anchor compute the same midpoint.
	spaceMu    sync.Mutex
	spaceLocks map[int64]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHistoryCache attaches the Redis history cache.
func WithHistoryCache(cache historyCache) Option {
	return func(c *Coordinator) { c.cache = cache }
}

// WithSearchIndex attaches the message search indexer.
func WithSearchIndex(idx searchIndex) Option {
	return func(c *Coordinator) { c.search = idx }
}

// WithHistoryLimit caps fetch-room-history responses.
func WithHistoryLimit(limit int) Option {
	return func(c *Coordinator) { c.historyLimit = limit }
}

func New(dataStore dataStore, locks *lock.Table, registry *hub.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        dataStore,
		locks:        locks,
		reg:          registry,
		historyLimit: defaultHistoryLimit,
		spaceLocks:   make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) spaceLock(spaceID int64) *sync.Mutex {
	c.spaceMu.Lock()
	defer c.spaceMu.Unlock()
	mu, ok := c.spaceLocks[spaceID]
	if !ok {
		mu = &sync.Mutex{}
		c.spaceLocks[spaceID] = mu
	}
	return mu
}

// Dispatch processes one intent to completion (persist + broadcast) and
// reports failures only to the originating connection as a domain-error
// event. The transport serializes Dispatch calls per connection.
func (c *Coordinator) Dispatch(ctx context.Context, conn hub.Conn, intent event.Intent) {
	var err error
	switch in := intent.(type) {
	case *event.Login:
		err = c.handleLogin(ctx, conn, in)
	case *event.JoinRoom:
		err = c.handleJoinRoom(ctx, conn, in)
	case *event.LeaveRoom:
		err = c.handleLeaveRoom(ctx, conn, in)
	case *event.ChatMessage:
		err = c.handleChatMessage(ctx, conn, in)
	case *event.DocAdd:
		err = c.handleDocAdd(ctx, conn, in)
	case *event.DocEdit:
		err = c.handleDocEdit(ctx, conn, in)
	case *event.DocDelete:
		err = c.handleDocDelete(ctx, conn, in)
	case *event.DocReorder:
		err = c.handleDocReorder(ctx, conn, in)
	case *event.DocIndentChange:
		err = c.handleDocIndentChange(ctx, conn, in)
	case *event.RequestLock:
		err = c.handleRequestLock(ctx, conn, in)
	case *event.ReleaseLock:
		err = c.handleReleaseLock(ctx, conn, in)
	case *event.React:
		err = c.handleReact(ctx, conn, in)
	case *event.PollVote:
		err = c.handlePollVote(ctx, conn, in)
	case *event.GetRoomList:
		err = c.handleGetRoomList(ctx, conn, in)
	case *event.FetchRoomHistory:
		err = c.handleFetchRoomHistory(ctx, conn, in)
	default:
		err = validationError("unsupported intent %q", intent.IntentKind())
	}
	if err != nil {
		c.reportError(conn, intent.IntentKind(), err)
	}
}

func (c *Coordinator) reportError(conn hub.Conn, operation string, err error) {
	var opErr *OpError
	if !errors.As(err, &opErr) {
		log.Printf("session: %s failed: %v", operation, err)
		opErr = persistenceError(err)
	} else if opErr.Code == CodePersistence {
		log.Printf("session: %s persistence failure: %v", operation, err)
	}
	conn.Send(event.Event{Kind: event.KindDomainError, Payload: event.DomainError{
		Operation: operation,
		Code:      opErr.Code,
		Message:   opErr.Message,
	}})
}

// requireLogin resolves the connection's space, failing for connections that
// never logged in.
func (c *Coordinator) requireLogin(conn hub.Conn) (int64, error) {
	spaceID, ok := c.reg.SpaceOf(conn.ID())
	if !ok {
		return 0, unauthenticatedError()
	}
	return spaceID, nil
}

// --- session lifecycle ---

func (c *Coordinator) handleLogin(ctx context.Context, conn hub.Conn, in *event.Login) error {
	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		return validationError("displayName is required")
	}
	space, err := c.store.GetSpace(ctx, in.SpaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("space %d does not exist", in.SpaceID)
	}
	if err != nil {
		return persistenceError(err)
	}

	c.reg.Register(conn, space.ID, displayName)

	posts, err := c.store.ListDocumentPosts(ctx, space.ID)
	if err != nil {
		return persistenceError(err)
	}
	conn.Send(event.Event{Kind: event.KindLoginAck, Payload: event.LoginAck{
		ConnID:      conn.ID(),
		DisplayName: displayName,
		SpaceID:     space.ID,
		SpaceName:   space.Name,
		Document:    event.ViewsOf(posts),
	}})
	return nil
}

func (c *Coordinator) handleJoinRoom(ctx context.Context, conn hub.Conn, in *event.JoinRoom) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	if in.RoomID == "" {
		return validationError("roomId is required")
	}
	room, err := c.store.GetRoom(ctx, in.RoomID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("room %s does not exist", in.RoomID)
	}
	if err != nil {
		return persistenceError(err)
	}
	if room.SpaceID != spaceID {
		return validationError("room %s belongs to another space", in.RoomID)
	}

	displayName, _ := c.reg.DisplayNameOf(conn.ID())
	prevRoomID, participants, ok := c.reg.Join(conn.ID(), room.ID)
	if !ok {
		return unauthenticatedError()
	}

	if prevRoomID != "" {
		c.reg.BroadcastRoom(prevRoomID, event.Event{Kind: event.KindUserLeft, Payload: event.UserPresence{
			RoomID:       prevRoomID,
			DisplayName:  displayName,
			Participants: c.reg.ParticipantCount(prevRoomID),
		}}, "")
	}
	conn.Send(event.Event{Kind: event.KindRoomJoined, Payload: event.RoomJoined{
		RoomID:       room.ID,
		RoomName:     room.Name,
		Participants: participants,
	}})
	c.reg.BroadcastRoom(room.ID, event.Event{Kind: event.KindUserJoined, Payload: event.UserPresence{
		RoomID:       room.ID,
		DisplayName:  displayName,
		Participants: participants,
	}}, conn.ID())
	return nil
}

func (c *Coordinator) handleLeaveRoom(ctx context.Context, conn hub.Conn, in *event.LeaveRoom) error {
	if _, err := c.requireLogin(conn); err != nil {
		return err
	}
	displayName, _ := c.reg.DisplayNameOf(conn.ID())
	participants, ok := c.reg.Leave(conn.ID(), in.RoomID)
	if !ok {
		return validationError("not joined to room %s", in.RoomID)
	}
	conn.Send(event.Event{Kind: event.KindRoomLeft, Payload: event.RoomLeft{RoomID: in.RoomID}})
	c.reg.BroadcastRoom(in.RoomID, event.Event{Kind: event.KindUserLeft, Payload: event.UserPresence{
		RoomID:       in.RoomID,
		DisplayName:  displayName,
		Participants: participants,
	}}, "")
	return nil
}

// --- chat ---

func (c *Coordinator) handleChatMessage(ctx context.Context, conn hub.Conn, in *event.ChatMessage) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Poll == nil {
		return validationError("text is required")
	}
	roomID := in.RoomID
	if roomID == "" {
		current, ok := c.reg.RoomOf(conn.ID())
		if !ok {
			return validationError("join a room before sending chat messages")
		}
		roomID = current
	}
	room, err := c.store.GetRoom(ctx, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("room %s does not exist", roomID)
	}
	if err != nil {
		return persistenceError(err)
	}
	if room.SpaceID != spaceID {
		return validationError("room %s belongs to another space", roomID)
	}

	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName, _ = c.reg.DisplayNameOf(conn.ID())
	}
	if in.Poll != nil {
		if strings.TrimSpace(in.Poll.Question) == "" || len(in.Poll.Options) < 2 {
			return validationError("a poll needs a question and at least two options")
		}
		for i := range in.Poll.Options {
			in.Poll.Options[i].Voters = []string{}
		}
	}

	post, err := c.store.CreatePost(ctx, store.Post{
		SpaceID:           spaceID,
		RoomID:            &room.ID,
		Content:           text,
		AuthorDisplayName: displayName,
		Poll:              in.Poll,
	})
	if err != nil {
		return persistenceError(err)
	}

	if _, err := c.store.IncrementRoomMessages(ctx, room.ID); err != nil {
		log.Printf("session: message counter for %s: %v", room.ID, err)
	}
	if c.cache != nil {
		if _, err := c.cache.IncrMessageCount(ctx, room.ID); err != nil {
			log.Printf("session: live counter for %s: %v", room.ID, err)
		}
		if err := c.cache.InvalidateHistory(ctx, room.ID); err != nil {
			log.Printf("session: invalidate history for %s: %v", room.ID, err)
		}
	}
	if c.search != nil {
		c.search.IndexMessage(post)
	}

	// Origin included: the reconciler drops its optimistic copy on receipt.
	c.reg.BroadcastRoom(room.ID, event.Event{Kind: event.KindChatMessage, Payload: event.ViewOf(post)}, "")
	return nil
}

// --- document ---

func (c *Coordinator) handleDocAdd(ctx context.Context, conn hub.Conn, in *event.DocAdd) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	// An explicit positioning reference is mandatory; there is no silent
	// append position.
	if strings.TrimSpace(in.AfterRowID) == "" {
		return validationError("afterRowId is required")
	}
	if in.IndentLevel < 0 || in.IndentLevel > 2 {
		return validationError("indentLevel must be between 0 and 2")
	}

	after, err := c.store.GetPost(ctx, in.AfterRowID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("row %s does not exist", in.AfterRowID)
	}
	if err != nil {
		return persistenceError(err)
	}
	if after.SpaceID != spaceID || after.RoomID != nil {
		return validationError("afterRowId must reference a document row of this space")
	}

	displayName, _ := c.reg.DisplayNameOf(conn.ID())

	// Key allocation and insert are atomic per space so two adds at the same
	// anchor cannot compute the same midpoint against stale neighbors.
	mu := c.spaceLock(spaceID)
	mu.Lock()
	defer mu.Unlock()

	posts, err := c.store.ListDocumentPosts(ctx, spaceID)
	if err != nil {
		return persistenceError(err)
	}
	keys := make([]float64, len(posts))
	for i, p := range posts {
		keys[i] = p.OrderKey
	}
	key, ok := order.InsertAfter(after.OrderKey, keys)
	if !ok {
		return notFoundError("row %s is no longer part of the document", in.AfterRowID)
	}
	// Precision exhausted around the anchor: the midpoint collapsed onto a
	// neighbor. Recoverable by an order-key rebalance.
	for _, existing := range keys {
		if key == existing {
			return validationError("no key fits after row %s, rebalance the document order", in.AfterRowID)
		}
	}

	post, err := c.store.CreatePost(ctx, store.Post{
		SpaceID:           spaceID,
		Content:           in.Content,
		OrderKey:          key,
		IndentLevel:       in.IndentLevel,
		AuthorDisplayName: displayName,
	})
	if err != nil {
		return persistenceError(err)
	}

	c.reg.BroadcastSpace(spaceID, event.Event{Kind: event.KindRowAdded, Payload: event.RowAdded{Post: event.ViewOf(post)}}, "")
	return nil
}

func (c *Coordinator) handleDocEdit(ctx context.Context, conn hub.Conn, in *event.DocEdit) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	if in.RowID == "" {
		return validationError("rowId is required")
	}
	if _, err := c.documentRow(ctx, spaceID, in.RowID); err != nil {
		return err
	}
	// The lock is advisory: the edit is accepted even from a non-holder.
	post, err := c.store.UpdatePostContent(ctx, in.RowID, in.NewContent)
	if err != nil {
		return persistenceError(err)
	}
	c.reg.BroadcastSpace(spaceID, event.Event{Kind: event.KindRowEdited, Payload: event.RowEdited{Post: event.ViewOf(post)}}, "")
	return nil
}

// documentRow loads a row and verifies it is a document row owned by the
// caller's space. Every document mutation goes through this check, so a
// connection can never touch another space's rows and a broadcast always
// reaches the space the mutation actually happened in.
func (c *Coordinator) documentRow(ctx context.Context, spaceID int64, rowID string) (store.Post, error) {
	post, err := c.store.GetPost(ctx, rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Post{}, notFoundError("row %s does not exist", rowID)
	}
	if err != nil {
		return store.Post{}, persistenceError(err)
	}
	if post.SpaceID != spaceID || post.RoomID != nil {
		return store.Post{}, validationError("rowId must reference a document row of this space")
	}
	return post, nil
}

func (c *Coordinator) handleDocDelete(ctx context.Context, conn hub.Conn, in *event.DocDelete) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	if in.RowID == "" {
		return validationError("rowId is required")
	}
	// Delete accepts both document rows and chat messages, but only within
	// the caller's own space.
	post, err := c.store.GetPost(ctx, in.RowID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("row %s does not exist", in.RowID)
	}
	if err != nil {
		return persistenceError(err)
	}
	if post.SpaceID != spaceID {
		return validationError("row %s belongs to another space", in.RowID)
	}
	existed, err := c.store.DeletePost(ctx, in.RowID)
	if err != nil {
		return persistenceError(err)
	}
	if !existed {
		return notFoundError("row %s does not exist", in.RowID)
	}
	if post.RoomID != nil && c.search != nil {
		c.search.RemoveMessage(in.RowID)
	}
	c.broadcastScoped(post, event.Event{Kind: event.KindRowDeleted, Payload: event.RowDeleted{RowID: in.RowID}}, "")
	return nil
}

func (c *Coordinator) handleDocReorder(ctx context.Context, conn hub.Conn, in *event.DocReorder) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	if in.RowID == "" {
		return validationError("rowId is required")
	}
	if _, err := c.documentRow(ctx, spaceID, in.RowID); err != nil {
		return err
	}
	displayName, _ := c.reg.DisplayNameOf(conn.ID())

	mu := c.spaceLock(spaceID)
	mu.Lock()
	defer mu.Unlock()

	if in.PrevKey != nil && in.NextKey != nil && order.Degenerate(*in.PrevKey, *in.NextKey) {
		return validationError("no key fits between the target rows, rebalance the document order")
	}
	key := order.KeyBetween(in.PrevKey, in.NextKey)
	if _, err := c.store.UpdatePostOrderKey(ctx, in.RowID, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("row %s does not exist", in.RowID)
		}
		return persistenceError(err)
	}

	// Reorder broadcasts the full resulting order, trading bandwidth for
	// reconciliation simplicity.
	posts, err := c.store.ListDocumentPosts(ctx, spaceID)
	if err != nil {
		return persistenceError(err)
	}
	c.reg.BroadcastSpace(spaceID, event.Event{Kind: event.KindRowMoved, Payload: event.RowMoved{
		Posts:       event.ViewsOf(posts),
		ReorderInfo: event.ReorderInfo{MovedRowID: in.RowID, ActorName: displayName},
	}}, "")
	return nil
}

func (c *Coordinator) handleDocIndentChange(ctx context.Context, conn hub.Conn, in *event.DocIndentChange) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	if in.RowID == "" {
		return validationError("rowId is required")
	}
	if in.NewIndentLevel < 0 || in.NewIndentLevel > 2 {
		return validationError("indentLevel must be between 0 and 2")
	}
	if _, err := c.documentRow(ctx, spaceID, in.RowID); err != nil {
		return err
	}
	post, err := c.store.UpdatePostIndent(ctx, in.RowID, in.NewIndentLevel)
	if err != nil {
		return persistenceError(err)
	}
	c.reg.BroadcastSpace(spaceID, event.Event{Kind: event.KindRowEdited, Payload: event.RowEdited{Post: event.ViewOf(post)}}, "")
	return nil
}

// --- locks ---

func (c *Coordinator) handleRequestLock(ctx context.Context, conn hub.Conn, in *event.RequestLock) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	if in.RowInstanceID == "" {
		return validationError("rowInstanceId is required")
	}
	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName, _ = c.reg.DisplayNameOf(conn.ID())
	}

	holder := lock.Holder{DisplayName: displayName, ConnID: conn.ID(), SpaceID: spaceID}
	if err := c.locks.Acquire(in.RowInstanceID, holder); err != nil {
		current, _ := c.locks.Info(in.RowInstanceID)
		conn.Send(event.Event{Kind: event.KindLockDenied, Payload: event.LockDenied{
			RowInstanceID: in.RowInstanceID,
			Reason:        "AlreadyLocked",
			Holder:        event.HolderInfo{DisplayName: current.DisplayName, ConnID: current.ConnID},
		}})
		return nil
	}

	payload := event.RowLocked{
		RowInstanceID: in.RowInstanceID,
		Holder:        event.HolderInfo{DisplayName: displayName, ConnID: conn.ID()},
	}
	// The requester learns of the grant from its own success response.
	conn.Send(event.Event{Kind: event.KindRowLocked, Payload: payload})
	c.reg.BroadcastSpace(spaceID, event.Event{Kind: event.KindRowLocked, Payload: payload}, conn.ID())
	return nil
}

func (c *Coordinator) handleReleaseLock(ctx context.Context, conn hub.Conn, in *event.ReleaseLock) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	if in.RowInstanceID == "" {
		return validationError("rowInstanceId is required")
	}
	c.locks.Release(in.RowInstanceID)
	c.reg.BroadcastSpace(spaceID, event.Event{Kind: event.KindRowUnlocked, Payload: event.RowUnlocked{RowInstanceID: in.RowInstanceID}}, "")
	return nil
}

// --- reactions & polls ---

func toggleVoter(voters []string, voterID string) (out []string, added bool) {
	for i, v := range voters {
		if v == voterID {
			return append(voters[:i:i], voters[i+1:]...), false
		}
	}
	return append(voters, voterID), true
}

func removeVoter(voters []string, voterID string) []string {
	for i, v := range voters {
		if v == voterID {
			return append(voters[:i:i], voters[i+1:]...)
		}
	}
	return voters
}

func (c *Coordinator) handleReact(ctx context.Context, conn hub.Conn, in *event.React) error {
	if _, err := c.requireLogin(conn); err != nil {
		return err
	}
	if in.RowID == "" {
		return validationError("rowId is required")
	}
	if in.Kind != "agree" && in.Kind != "disagree" {
		return validationError("kind must be agree or disagree")
	}

	post, err := c.store.GetPost(ctx, in.RowID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("row %s does not exist", in.RowID)
	}
	if err != nil {
		return persistenceError(err)
	}

	// Toggle semantics: a repeat vote retracts; switching sides moves the
	// voter across sets. Voter identity is the connection id.
	voterID := conn.ID()
	agree, disagree := post.AgreeVoters, post.DisagreeVoters
	var yourVote string
	if in.Kind == "agree" {
		var added bool
		agree, added = toggleVoter(agree, voterID)
		disagree = removeVoter(disagree, voterID)
		if added {
			yourVote = "agree"
		}
	} else {
		var added bool
		disagree, added = toggleVoter(disagree, voterID)
		agree = removeVoter(agree, voterID)
		if added {
			yourVote = "disagree"
		}
	}

	updated, err := c.store.UpdatePostVoters(ctx, in.RowID, agree, disagree)
	if err != nil {
		return persistenceError(err)
	}

	payload := event.ReactionUpdated{
		RowID:         in.RowID,
		AgreeCount:    updated.AgreeCount(),
		DisagreeCount: updated.DisagreeCount(),
	}
	c.broadcastScoped(updated, event.Event{Kind: event.KindReactionUpdated, Payload: payload}, conn.ID())
	payload.YourVote = yourVote
	conn.Send(event.Event{Kind: event.KindReactionUpdated, Payload: payload})
	return nil
}

func (c *Coordinator) handlePollVote(ctx context.Context, conn hub.Conn, in *event.PollVote) error {
	if _, err := c.requireLogin(conn); err != nil {
		return err
	}
	if in.RowID == "" {
		return validationError("rowId is required")
	}

	post, err := c.store.GetPost(ctx, in.RowID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("row %s does not exist", in.RowID)
	}
	if err != nil {
		return persistenceError(err)
	}
	if post.Poll == nil {
		return validationError("row %s has no poll", in.RowID)
	}
	if in.OptionIndex < 0 || in.OptionIndex >= len(post.Poll.Options) {
		return validationError("optionIndex out of range")
	}
	// No vote switching on polls.
	if post.Poll.HasVoted(conn.ID()) {
		return validationError("already voted on this poll")
	}

	post.Poll.Options[in.OptionIndex].Voters = append(post.Poll.Options[in.OptionIndex].Voters, conn.ID())
	updated, err := c.store.UpdatePostPoll(ctx, in.RowID, post.Poll)
	if err != nil {
		return persistenceError(err)
	}

	view := event.ViewOf(updated)
	c.broadcastScoped(updated, event.Event{Kind: event.KindPollUpdated, Payload: event.PollUpdated{
		RowID: in.RowID,
		Poll:  *view.Poll,
	}}, "")
	return nil
}

// broadcastScoped routes an event to the post's owning scope: its room for
// chat rows, the whole space for document rows.
func (c *Coordinator) broadcastScoped(post store.Post, ev event.Event, exceptConnID string) {
	if post.RoomID != nil {
		c.reg.BroadcastRoom(*post.RoomID, ev, exceptConnID)
		return
	}
	c.reg.BroadcastSpace(post.SpaceID, ev, exceptConnID)
}

// --- room list & history ---

func (c *Coordinator) handleGetRoomList(ctx context.Context, conn hub.Conn, in *event.GetRoomList) error {
	spaceID, err := c.requireLogin(conn)
	if err != nil {
		return err
	}
	if in.SpaceID != 0 {
		spaceID = in.SpaceID
	}
	space, err := c.store.GetSpace(ctx, spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("space %d does not exist", spaceID)
	}
	if err != nil {
		return persistenceError(err)
	}
	rooms, err := c.store.ListRooms(ctx, spaceID)
	if err != nil {
		return persistenceError(err)
	}

	infos := make([]event.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		info := event.RoomInfo{
			ID:           room.ID,
			Name:         room.Name,
			Participants: c.reg.ParticipantCount(room.ID),
			MessageCount: room.MessageCount,
		}
		// The live counter leads the persisted one between writes; take the
		// larger of the two.
		if c.cache != nil {
			if live, err := c.cache.MessageCount(ctx, room.ID); err == nil && live > int64(info.MessageCount) {
				info.MessageCount = int(live)
			}
		}
		infos = append(infos, info)
	}
	conn.Send(event.Event{Kind: event.KindRoomList, Payload: event.RoomList{
		Rooms:     infos,
		SpaceInfo: event.SpaceInfo{ID: space.ID, Name: space.Name, Status: space.Status},
	}})
	return nil
}

func (c *Coordinator) handleFetchRoomHistory(ctx context.Context, conn hub.Conn, in *event.FetchRoomHistory) error {
	if _, err := c.requireLogin(conn); err != nil {
		return err
	}
	if in.RoomID == "" {
		return validationError("roomId is required")
	}

	if c.cache != nil {
		if views, hit, err := c.cache.GetHistory(ctx, in.RoomID); err != nil {
			log.Printf("session: history cache read for %s: %v", in.RoomID, err)
		} else if hit {
			conn.Send(event.Event{Kind: event.KindRoomHistory, Payload: event.RoomHistory{RoomID: in.RoomID, Messages: views}})
			return nil
		}
	}

	if _, err := c.store.GetRoom(ctx, in.RoomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("room %s does not exist", in.RoomID)
		}
		return persistenceError(err)
	}
	posts, err := c.store.ListRoomPosts(ctx, in.RoomID, c.historyLimit)
	if err != nil {
		return persistenceError(err)
	}
	views := event.ViewsOf(posts)
	if c.cache != nil {
		if err := c.cache.PutHistory(ctx, in.RoomID, views); err != nil {
			log.Printf("session: history cache write for %s: %v", in.RoomID, err)
		}
	}
	conn.Send(event.Event{Kind: event.KindRoomHistory, Payload: event.RoomHistory{RoomID: in.RoomID, Messages: views}})
	return nil
}

// --- cleanup ---

// Disconnect runs the mandatory cleanup for a closed connection: release
// every lock it held and remove it from its room and space. Each step is
// independent; a failure is logged and never aborts the rest.
func (c *Coordinator) Disconnect(connID string) {
	spaceID, hadSpace := c.reg.SpaceOf(connID)

	for _, instanceID := range c.locks.ReleaseHeldBy(connID) {
		if hadSpace {
			c.reg.BroadcastSpace(spaceID, event.Event{Kind: event.KindRowUnlocked, Payload: event.RowUnlocked{RowInstanceID: instanceID}}, connID)
		}
	}

	_, roomID, displayName, ok := c.reg.Unregister(connID)
	if !ok {
		return
	}
	if roomID != "" {
		c.reg.BroadcastRoom(roomID, event.Event{Kind: event.KindUserLeft, Payload: event.UserPresence{
			RoomID:       roomID,
			DisplayName:  displayName,
			Participants: c.reg.ParticipantCount(roomID),
		}}, "")
	}
}

// SweepExpiredLocks drops expired leases and announces the unlocks. Run
// periodically by main.
func (c *Coordinator) SweepExpiredLocks() {
	for _, swept := range c.locks.Sweep() {
		c.reg.BroadcastSpace(swept.Holder.SpaceID, event.Event{Kind: event.KindRowUnlocked, Payload: event.RowUnlocked{RowInstanceID: swept.InstanceID}}, "")
	}
}
