// Package chat contains Hearth's message buffering, flush, and delete
// reconciliation pipeline plus the realtime fanout it feeds.
package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "hearth").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "hearth",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, room_id, sender_id, sender_name, body, kind, file_url, created_at, seen,
	   reply_to_id, reply_to_sender, reply_preview`

// InsertMany bulk-inserts a flush batch in one transaction. Ids already
// present are skipped: a flush retried after a failed buffer clear must not
// fail on its own earlier batch (at-least-once delivery).
func (s *PostgresStore) InsertMany(ctx context.Context, msgs []Message) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		if m.ID == "" || m.RoomID == "" {
			return ErrInvalidInput
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	b := &pgx.Batch{}
	for _, m := range msgs {
		var replyID, replySender, replyPreview *string
		if m.ReplyRef != nil {
			replyID = &m.ReplyRef.MessageID
			replySender = &m.ReplyRef.SenderID
			replyPreview = &m.ReplyRef.Preview
		}
		b.Queue(
			`INSERT INTO `+messages+` (
			     id, room_id, sender_id, sender_name, body, kind, file_url,
			     created_at, seen, reply_to_id, reply_to_sender, reply_preview
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			   ON CONFLICT (id) DO NOTHING`,
			m.ID, m.RoomID, m.SenderID, m.SenderName, m.Body, string(m.Kind), m.FileURL,
			m.CreatedAt, m.Seen, replyID, replySender, replyPreview,
		)
	}

	// SendBatch inside an explicit transaction keeps the batch all-or-nothing,
	// which is what lets a failed flush retry the identical batch later.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindByID returns the message or ErrNotFound.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if id == "" {
		return Message{}, ErrInvalidInput
	}

	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE id = $1`,
		id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// FindByRoom returns room messages ordered by created_at (id as tie-breaker).
func (s *PostgresStore) FindByRoom(ctx context.Context, q RoomQuery) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if q.RoomID == "" {
		return nil, ErrInvalidInput
	}

	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	skip := q.Skip
	if skip < 0 {
		skip = 0
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE room_id = $1
		  ORDER BY created_at `+order+`, id `+order+`
		  LIMIT $2 OFFSET $3`,
		q.RoomID, limit, skip,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteByID removes the record. Absent ids are a no-op.
func (s *PostgresStore) DeleteByID(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if id == "" {
		return ErrInvalidInput
	}

	messages := pgIdent(s.schema, "messages")
	_, err := s.pool.Exec(ctx, `DELETE FROM `+messages+` WHERE id = $1`, id)
	return err
}

// UpdateSeen sets the seen flag or returns ErrNotFound.
func (s *PostgresStore) UpdateSeen(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if id == "" {
		return ErrInvalidInput
	}

	messages := pgIdent(s.schema, "messages")
	tag, err := s.pool.Exec(ctx, `UPDATE `+messages+` SET seen = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanMessage(row pgRow) (Message, error) {
	var (
		m                               Message
		kind                            string
		replyID, replySender, replyPrev *string
	)
	err := row.Scan(
		&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Body, &kind, &m.FileURL,
		&m.CreatedAt, &m.Seen, &replyID, &replySender, &replyPrev,
	)
	if err != nil {
		return Message{}, err
	}
	m.Kind = MessageKind(kind)
	if replyID != nil && *replyID != "" {
		m.ReplyRef = &ReplyRef{MessageID: *replyID}
		if replySender != nil {
			m.ReplyRef.SenderID = *replySender
		}
		if replyPrev != nil {
			m.ReplyRef.Preview = *replyPrev
		}
	}
	return m, nil
}

// PostgresLobbyStore keeps one summary row per room in <schema>.lobbies.
type PostgresLobbyStore struct {
	pool   *pgxpool.Pool
	schema string
}

// LobbyOption configures PostgresLobbyStore behavior.
type LobbyOption func(*PostgresLobbyStore) error

// WithLobbySchema sets the DB schema used by the lobby store (default: "hearth").
func WithLobbySchema(schema string) LobbyOption {
	return func(s *PostgresLobbyStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresLobbyStore constructs a lobby store backed by PostgreSQL.
func NewPostgresLobbyStore(pool *pgxpool.Pool, opts ...LobbyOption) (*PostgresLobbyStore, error) {
	st := &PostgresLobbyStore{
		pool:   pool,
		schema: "hearth",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Upsert applies the update to the room's summary row, honoring IfNewer.
func (s *PostgresLobbyStore) Upsert(ctx context.Context, roomID string, up LobbyUpdate) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil lobby store")
	}
	if roomID == "" {
		return ErrInvalidInput
	}

	lobbies := pgIdent(s.schema, "lobbies")

	if up.IfNewer {
		deleted := "l.deleted_for"
		if up.ClearDeletedFor {
			deleted = "'{}'"
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO `+lobbies+` AS l (room_id, last_message, last_message_id, last_updated, deleted_for)
			 VALUES ($1, $2, NULLIF($3, ''), $4, '{}')
			 ON CONFLICT (room_id) DO UPDATE
			    SET last_message = CASE WHEN l.last_updated > EXCLUDED.last_updated THEN l.last_message ELSE EXCLUDED.last_message END,
			        last_message_id = CASE WHEN l.last_updated > EXCLUDED.last_updated THEN l.last_message_id ELSE EXCLUDED.last_message_id END,
			        last_updated = GREATEST(l.last_updated, EXCLUDED.last_updated),
			        deleted_for = `+deleted,
			roomID, up.LastMessage, up.LastMessageID, up.LastUpdated,
		)
		return err
	}

	if up.ClearDeletedFor {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO `+lobbies+` (room_id, last_message, last_message_id, last_updated, deleted_for)
			 VALUES ($1, $2, NULLIF($3, ''), $4, '{}')
			 ON CONFLICT (room_id) DO UPDATE
			    SET last_message = EXCLUDED.last_message,
			        last_message_id = EXCLUDED.last_message_id,
			        last_updated = EXCLUDED.last_updated,
			        deleted_for = '{}'`,
			roomID, up.LastMessage, up.LastMessageID, up.LastUpdated,
		)
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+lobbies+` (room_id, last_message, last_message_id, last_updated, deleted_for)
		 VALUES ($1, $2, NULLIF($3, ''), $4, '{}')
		 ON CONFLICT (room_id) DO UPDATE
		    SET last_message = EXCLUDED.last_message,
		        last_message_id = EXCLUDED.last_message_id,
		        last_updated = EXCLUDED.last_updated`,
		roomID, up.LastMessage, up.LastMessageID, up.LastUpdated,
	)
	return err
}

// Get returns the room's summary or ErrNotFound.
func (s *PostgresLobbyStore) Get(ctx context.Context, roomID string) (LobbySummary, error) {
	if s == nil || s.pool == nil {
		return LobbySummary{}, errors.New("chat: nil lobby store")
	}
	if roomID == "" {
		return LobbySummary{}, ErrInvalidInput
	}

	lobbies := pgIdent(s.schema, "lobbies")

	var (
		sum    LobbySummary
		lastID *string
		upd    *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT room_id, last_message, last_message_id, last_updated, deleted_for
		   FROM `+lobbies+`
		  WHERE room_id = $1`,
		roomID,
	).Scan(&sum.RoomID, &sum.LastMessage, &lastID, &upd, &sum.DeletedFor)
	if errors.Is(err, pgx.ErrNoRows) {
		return LobbySummary{}, ErrNotFound
	}
	if err != nil {
		return LobbySummary{}, err
	}
	if lastID != nil {
		sum.LastMessageID = *lastID
	}
	if upd != nil {
		sum.LastUpdated = *upd
	}
	return sum, nil
}

// PostgresRoleStore checks room-admin roles via <schema>.room_admins.
type PostgresRoleStore struct {
	pool   *pgxpool.Pool
	schema string
}

// RoleOption configures PostgresRoleStore behavior.
type RoleOption func(*PostgresRoleStore) error

// WithRoleSchema sets the DB schema used by the role store (default: "hearth").
func WithRoleSchema(schema string) RoleOption {
	return func(s *PostgresRoleStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresRoleStore constructs a role store backed by PostgreSQL.
func NewPostgresRoleStore(pool *pgxpool.Pool, opts ...RoleOption) (*PostgresRoleStore, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	st := &PostgresRoleStore{pool: pool, schema: "hearth"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// IsRoomAdmin reports whether userID holds the admin role for roomID.
func (s *PostgresRoleStore) IsRoomAdmin(ctx context.Context, roomID, userID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil role store")
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return false, nil
	}

	admins := pgIdent(s.schema, "room_admins")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+admins+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
