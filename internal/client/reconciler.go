// Package client implements the participant-side mirror of a space: an
// ordered copy of the document rows, the current room's message feed and the
// lock view, kept in sync with the authoritative events from the server.
//
// Local mutations may be applied optimistically for responsiveness; they are
// tagged pending and superseded the moment the authoritative broadcast for
// the same row arrives. Events are applied last-writer-wins per row and are
// idempotent: re-applying a broadcast never duplicates a row.
package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/stumn/Chatment-sub000/internal/event"
)

// Reconciler merges optimistic local state with authoritative broadcasts.
// Safe for concurrent use; the transport read loop and the UI may call it
// from different goroutines.
type Reconciler struct {
	mu sync.Mutex

	rows    map[string]event.PostView
	pending map[string]struct{}

	room     string
	messages []event.PostView
	msgIndex map[string]int

	// snapshots holds the last rendered feed per room so re-entering a room
	// can paint immediately while the fresh history is in flight.
	snapshots map[string][]event.PostView

	locks map[string]event.HolderInfo

	pendingSeq int
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		rows:      make(map[string]event.PostView),
		pending:   make(map[string]struct{}),
		msgIndex:  make(map[string]int),
		snapshots: make(map[string][]event.PostView),
		locks:     make(map[string]event.HolderInfo),
	}
}

// Document returns the mirrored document rows in order-key order.
func (r *Reconciler) Document() []event.PostView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.PostView, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderKey != out[j].OrderKey {
			return out[i].OrderKey < out[j].OrderKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns the current room's feed in arrival order.
func (r *Reconciler) Messages() []event.PostView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.PostView, len(r.messages))
	copy(out, r.messages)
	return out
}

// Pending reports whether the row still awaits authoritative confirmation.
func (r *Reconciler) Pending(rowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[rowID]
	return ok
}

// LockHolder returns who the server last announced as holding the row
// instance, if anyone.
func (r *Reconciler) LockHolder(instanceID string) (event.HolderInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.locks[instanceID]
	return h, ok
}

// --- optimistic mutations ---

// OptimisticAddRow inserts a provisional document row and returns its
// temporary id. The server assigns the real id, so the provisional row is
// matched to its authoritative counterpart by author and content when the
// row-added broadcast arrives.
func (r *Reconciler) OptimisticAddRow(view event.PostView) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingSeq++
	view.ID = fmt.Sprintf("pending_%d", r.pendingSeq)
	r.rows[view.ID] = view
	r.pending[view.ID] = struct{}{}
	return view.ID
}

// OptimisticEditRow rewrites the row content locally ahead of the broadcast.
func (r *Reconciler) OptimisticEditRow(rowID, newContent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[rowID]
	if !ok {
		return false
	}
	row.Content = newContent
	r.rows[rowID] = row
	r.pending[rowID] = struct{}{}
	return true
}

// OptimisticSendMessage appends a provisional chat message to the feed and
// returns its temporary id.
func (r *Reconciler) OptimisticSendMessage(view event.PostView) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingSeq++
	view.ID = fmt.Sprintf("pending_%d", r.pendingSeq)
	r.appendMessage(view)
	r.pending[view.ID] = struct{}{}
	return view.ID
}

// --- room switching ---

// SwitchRoom makes roomID the current room. If a snapshot from a previous
// visit exists it becomes the feed immediately and cached reports true; the
// caller still requests fresh history, which replaces the feed on arrival.
// Without a snapshot the feed starts empty and the caller must fetch history
// before rendering.
func (r *Reconciler) SwitchRoom(roomID string) (cached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.room != "" {
		saved := make([]event.PostView, len(r.messages))
		copy(saved, r.messages)
		r.snapshots[r.room] = saved
	}
	r.room = roomID
	r.messages = nil
	r.msgIndex = make(map[string]int)

	snapshot, ok := r.snapshots[roomID]
	if !ok {
		return false
	}
	for _, m := range snapshot {
		r.appendMessage(m)
	}
	return true
}

// CurrentRoom returns the room the feed mirrors.
func (r *Reconciler) CurrentRoom() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// --- authoritative application ---

// Apply consumes one raw frame from the server connection.
func (r *Reconciler) Apply(data []byte) error {
	env, err := event.ParseEnvelope(data)
	if err != nil {
		return err
	}
	return r.ApplyEnvelope(env)
}

// ApplyEnvelope applies one authoritative event. Events for kinds the mirror
// does not track (presence, acks, errors) are ignored here; the application
// layers its own handling on top of the same stream.
func (r *Reconciler) ApplyEnvelope(env event.Envelope) error {
	switch env.Kind {
	case event.KindLoginAck:
		var p event.LoginAck
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.resetDocument(p.Document)
	case event.KindRowAdded:
		var p event.RowAdded
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.applyRowAdded(p.Post)
	case event.KindRowEdited:
		var p event.RowEdited
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.applyRowEdited(p.Post)
	case event.KindRowDeleted:
		var p event.RowDeleted
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.applyRowDeleted(p.RowID)
	case event.KindRowMoved:
		var p event.RowMoved
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.resetDocument(p.Posts)
	case event.KindChatMessage:
		var p event.PostView
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.applyChatMessage(p)
	case event.KindRoomHistory:
		var p event.RoomHistory
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.applyRoomHistory(p)
	case event.KindReactionUpdated:
		var p event.ReactionUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.applyReaction(p)
	case event.KindPollUpdated:
		var p event.PollUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.applyPoll(p)
	case event.KindRowLocked:
		var p event.RowLocked
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.mu.Lock()
		r.locks[p.RowInstanceID] = p.Holder
		r.mu.Unlock()
	case event.KindRowUnlocked:
		var p event.RowUnlocked
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		r.mu.Lock()
		delete(r.locks, p.RowInstanceID)
		r.mu.Unlock()
	}
	return nil
}

func (r *Reconciler) resetDocument(posts []event.PostView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = make(map[string]event.PostView, len(posts))
	for _, p := range posts {
		r.rows[p.ID] = p
		delete(r.pending, p.ID)
	}
	// Provisional rows not present in the snapshot are superseded by it.
	// Provisional chat messages live in the feed and are untouched.
	for id := range r.pending {
		if _, isMessage := r.msgIndex[id]; !isMessage {
			delete(r.pending, id)
		}
	}
}

func (r *Reconciler) applyRowAdded(p event.PostView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[p.ID]; !exists {
		r.dropMatchingProvisionalRow(p)
	}
	r.rows[p.ID] = p
	delete(r.pending, p.ID)
}

func (r *Reconciler) applyRowEdited(p event.PostView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[p.ID] = p
	delete(r.pending, p.ID)
}

func (r *Reconciler) applyRowDeleted(rowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, rowID)
	delete(r.pending, rowID)
	if idx, ok := r.msgIndex[rowID]; ok {
		r.messages = append(r.messages[:idx], r.messages[idx+1:]...)
		delete(r.msgIndex, rowID)
		for i := idx; i < len(r.messages); i++ {
			r.msgIndex[r.messages[i].ID] = i
		}
	}
}

func (r *Reconciler) applyChatMessage(p event.PostView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.RoomID == nil || *p.RoomID != r.room {
		return
	}
	if _, exists := r.msgIndex[p.ID]; exists {
		r.messages[r.msgIndex[p.ID]] = p
		delete(r.pending, p.ID)
		return
	}
	r.dropMatchingProvisionalMessage(p)
	r.appendMessage(p)
	delete(r.pending, p.ID)
}

func (r *Reconciler) applyRoomHistory(p event.RoomHistory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[p.RoomID] = p.Messages
	if p.RoomID != r.room {
		return
	}
	// Authoritative history replaces whatever was painted, stale snapshot or
	// provisional sends included.
	for _, m := range r.messages {
		delete(r.pending, m.ID)
	}
	r.messages = nil
	r.msgIndex = make(map[string]int)
	for _, m := range p.Messages {
		r.appendMessage(m)
	}
}

func (r *Reconciler) applyReaction(p event.ReactionUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[p.RowID]; ok {
		row.AgreeCount = p.AgreeCount
		row.DisagreeCount = p.DisagreeCount
		r.rows[p.RowID] = row
	}
	if idx, ok := r.msgIndex[p.RowID]; ok {
		r.messages[idx].AgreeCount = p.AgreeCount
		r.messages[idx].DisagreeCount = p.DisagreeCount
	}
}

func (r *Reconciler) applyPoll(p event.PollUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	poll := p.Poll
	if row, ok := r.rows[p.RowID]; ok {
		row.Poll = &poll
		r.rows[p.RowID] = row
	}
	if idx, ok := r.msgIndex[p.RowID]; ok {
		r.messages[idx].Poll = &poll
	}
}

// appendMessage adds to the feed without duplicating ids. Caller holds r.mu.
func (r *Reconciler) appendMessage(p event.PostView) {
	if _, exists := r.msgIndex[p.ID]; exists {
		return
	}
	r.msgIndex[p.ID] = len(r.messages)
	r.messages = append(r.messages, p)
}

// dropMatchingProvisionalRow removes the provisional document row the
// incoming authoritative row confirms. The server assigns row ids, so the
// match is by author and content. Caller holds r.mu.
func (r *Reconciler) dropMatchingProvisionalRow(p event.PostView) {
	for id := range r.pending {
		row, ok := r.rows[id]
		if !ok {
			continue
		}
		if row.Author == p.Author && row.Content == p.Content {
			delete(r.rows, id)
			delete(r.pending, id)
			return
		}
	}
}

// dropMatchingProvisionalMessage is the feed-side counterpart. Caller holds
// r.mu.
func (r *Reconciler) dropMatchingProvisionalMessage(p event.PostView) {
	for id := range r.pending {
		idx, ok := r.msgIndex[id]
		if !ok {
			continue
		}
		m := r.messages[idx]
		if m.Author == p.Author && m.Content == p.Content {
			r.messages = append(r.messages[:idx], r.messages[idx+1:]...)
			delete(r.msgIndex, id)
			for i := idx; i < len(r.messages); i++ {
				r.msgIndex[r.messages[i].ID] = i
			}
			delete(r.pending, id)
			return
		}
	}
}
