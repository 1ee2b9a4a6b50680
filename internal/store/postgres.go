package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/stumn/Chatment-sub000/internal/util"
)

// PostgresStore is the only component touching persistent storage.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const postColumns = `id, space_id, room_id, content, order_key, indent_level, author_name, agree_voters, disagree_voters, poll, created_at, updated_at`

type postScanner interface {
	Scan(dest ...any) error
}

func scanPost(row postScanner) (Post, error) {
	var (
		p              Post
		agree, disagre []byte
		poll           []byte
	)
	err := row.Scan(&p.ID, &p.SpaceID, &p.RoomID, &p.Content, &p.OrderKey, &p.IndentLevel,
		&p.AuthorDisplayName, &agree, &disagre, &poll, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Post{}, err
	}
	if len(agree) > 0 {
		if err := json.Unmarshal(agree, &p.AgreeVoters); err != nil {
			return Post{}, fmt.Errorf("decode agree voters: %w", err)
		}
	}
	if len(disagre) > 0 {
		if err := json.Unmarshal(disagre, &p.DisagreeVoters); err != nil {
			return Post{}, fmt.Errorf("decode disagree voters: %w", err)
		}
	}
	if len(poll) > 0 {
		p.Poll = &Poll{}
		if err := json.Unmarshal(poll, p.Poll); err != nil {
			return Post{}, fmt.Errorf("decode poll: %w", err)
		}
	}
	return p, nil
}

func marshalVoters(voters []string) ([]byte, error) {
	if voters == nil {
		voters = []string{}
	}
	return json.Marshal(voters)
}

// CreatePost persists a new post and assigns its id.
func (s *PostgresStore) CreatePost(ctx context.Context, p Post) (Post, error) {
	p.ID = util.NewID("post")
	agree, err := marshalVoters(p.AgreeVoters)
	if err != nil {
		return Post{}, fmt.Errorf("encode agree voters: %w", err)
	}
	disagree, err := marshalVoters(p.DisagreeVoters)
	if err != nil {
		return Post{}, fmt.Errorf("encode disagree voters: %w", err)
	}
	var poll any
	if p.Poll != nil {
		encoded, err := json.Marshal(p.Poll)
		if err != nil {
			return Post{}, fmt.Errorf("encode poll: %w", err)
		}
		poll = encoded
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO posts (id, space_id, room_id, content, order_key, indent_level, author_name, agree_voters, disagree_voters, poll)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+postColumns,
		p.ID, p.SpaceID, p.RoomID, p.Content, p.OrderKey, p.IndentLevel, p.AuthorDisplayName, agree, disagree, poll)
	created, err := scanPost(row)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, postID)
	return scanPost(row)
}

// UpdatePostContent replaces a post's content and bumps updated_at.
func (s *PostgresStore) UpdatePostContent(ctx context.Context, postID, content string) (Post, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE posts SET content=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+postColumns, postID, content)
	return scanPost(row)
}

func (s *PostgresStore) UpdatePostIndent(ctx context.Context, postID string, indentLevel int) (Post, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE posts SET indent_level=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+postColumns, postID, indentLevel)
	return scanPost(row)
}

func (s *PostgresStore) UpdatePostOrderKey(ctx context.Context, postID string, orderKey float64) (Post, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE posts SET order_key=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+postColumns, postID, orderKey)
	return scanPost(row)
}

// UpdatePostVoters replaces both voter sets at once (reaction toggles are
// computed by the coordinator).
func (s *PostgresStore) UpdatePostVoters(ctx context.Context, postID string, agreeVoters, disagreeVoters []string) (Post, error) {
	agree, err := marshalVoters(agreeVoters)
	if err != nil {
		return Post{}, fmt.Errorf("encode agree voters: %w", err)
	}
	disagree, err := marshalVoters(disagreeVoters)
	if err != nil {
		return Post{}, fmt.Errorf("encode disagree voters: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE posts SET agree_voters=$2, disagree_voters=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING `+postColumns, postID, agree, disagree)
	return scanPost(row)
}

func (s *PostgresStore) UpdatePostPoll(ctx context.Context, postID string, poll *Poll) (Post, error) {
	encoded, err := json.Marshal(poll)
	if err != nil {
		return Post{}, fmt.Errorf("encode poll: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE posts SET poll=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+postColumns, postID, encoded)
	return scanPost(row)
}

// DeletePost removes a post. The bool reports whether a row existed.
func (s *PostgresStore) DeletePost(ctx context.Context, postID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id=$1`, postID)
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete post rows: %w", err)
	}
	return affected > 0, nil
}

// ListDocumentPosts returns a space's document rows ordered by order key.
func (s *PostgresStore) ListDocumentPosts(ctx context.Context, spaceID int64) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE space_id=$1 AND room_id IS NULL
		ORDER BY order_key ASC, created_at ASC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list document posts: %w", err)
	}
	return collectPosts(rows)
}

// ListRoomPosts returns a room's chat history, oldest first. limit <= 0 means
// no limit.
func (s *PostgresStore) ListRoomPosts(ctx context.Context, roomID string, limit int) ([]Post, error) {
	query := `
		SELECT ` + postColumns + `
		FROM posts
		WHERE room_id=$1
		ORDER BY created_at ASC`
	args := []any{roomID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list room posts: %w", err)
	}
	return collectPosts(rows)
}

func collectPosts(rows *sql.Rows) ([]Post, error) {
	defer rows.Close()
	items := make([]Post, 0)
	for rows.Next() {
		item, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return items, nil
}

// UpdateOrderKeys rewrites order keys in one transaction; used by the admin
// rebalance operation only.
func (s *PostgresStore) UpdateOrderKeys(ctx context.Context, postIDs []string, orderKeys []float64) error {
	if len(postIDs) != len(orderKeys) {
		return fmt.Errorf("update order keys: %d ids for %d keys", len(postIDs), len(orderKeys))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin order key tx: %w", err)
	}
	for i, id := range postIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE posts SET order_key=$2, updated_at=NOW() WHERE id=$1`, id, orderKeys[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update order key %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order keys: %w", err)
	}
	return nil
}

// --- rooms ---

func (s *PostgresStore) InsertRoom(ctx context.Context, room Room) (Room, error) {
	if room.ID == "" {
		room.ID = util.NewID("room")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rooms (id, space_id, name)
		VALUES ($1, $2, $3)
		RETURNING id, space_id, name, message_count, created_at
	`, room.ID, room.SpaceID, room.Name).Scan(&room.ID, &room.SpaceID, &room.Name, &room.MessageCount, &room.CreatedAt)
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, name, message_count, created_at FROM rooms WHERE id=$1
	`, roomID).Scan(&room.ID, &room.SpaceID, &room.Name, &room.MessageCount, &room.CreatedAt)
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context, spaceID int64) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space_id, name, message_count, created_at
		FROM rooms
		WHERE space_id=$1
		ORDER BY created_at ASC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	items := make([]Room, 0)
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.SpaceID, &room.Name, &room.MessageCount, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		items = append(items, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return items, nil
}

// IncrementRoomMessages bumps the denormalized message counter and returns
// the new value.
func (s *PostgresStore) IncrementRoomMessages(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE rooms SET message_count = message_count + 1 WHERE id=$1
		RETURNING message_count
	`, roomID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment room messages: %w", err)
	}
	return count, nil
}

// --- spaces ---

func (s *PostgresStore) InsertSpace(ctx context.Context, name string, passcodeHash *string) (Space, error) {
	var space Space
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO spaces (name, status, passcode_hash)
		VALUES ($1, $2, $3)
		RETURNING id, name, status, passcode_hash, created_at, updated_at
	`, name, SpaceActive, passcodeHash).Scan(&space.ID, &space.Name, &space.Status, &space.PasscodeHash, &space.CreatedAt, &space.UpdatedAt)
	if err != nil {
		return Space{}, fmt.Errorf("insert space: %w", err)
	}
	return space, nil
}

func (s *PostgresStore) GetSpace(ctx context.Context, spaceID int64) (Space, error) {
	var space Space
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, passcode_hash, created_at, updated_at FROM spaces WHERE id=$1
	`, spaceID).Scan(&space.ID, &space.Name, &space.Status, &space.PasscodeHash, &space.CreatedAt, &space.UpdatedAt)
	if err != nil {
		return Space{}, err
	}
	return space, nil
}

// ListSpaces returns spaces filtered by status; empty status means all.
func (s *PostgresStore) ListSpaces(ctx context.Context, status string) ([]Space, error) {
	query := `SELECT id, name, status, passcode_hash, created_at, updated_at FROM spaces`
	args := []any{}
	if status != "" {
		query += ` WHERE status=$1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	items := make([]Space, 0)
	for rows.Next() {
		var space Space
		if err := rows.Scan(&space.ID, &space.Name, &space.Status, &space.PasscodeHash, &space.CreatedAt, &space.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		items = append(items, space)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spaces: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RenameSpace(ctx context.Context, spaceID int64, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE spaces SET name=$2, updated_at=NOW() WHERE id=$1`, spaceID, name)
	if err != nil {
		return fmt.Errorf("rename space: %w", err)
	}
	return requireAffected(result, "rename space")
}

func (s *PostgresStore) SetSpaceStatus(ctx context.Context, spaceID int64, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE spaces SET status=$2, updated_at=NOW() WHERE id=$1`, spaceID, status)
	if err != nil {
		return fmt.Errorf("set space status: %w", err)
	}
	return requireAffected(result, "set space status")
}

// DeleteSpace removes a space with its rooms and posts.
func (s *PostgresStore) DeleteSpace(ctx context.Context, spaceID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete space tx: %w", err)
	}
	for _, stmt := range []string{
		`DELETE FROM posts WHERE space_id=$1`,
		`DELETE FROM rooms WHERE space_id=$1`,
		`DELETE FROM spaces WHERE id=$1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, spaceID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete space: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete space: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
