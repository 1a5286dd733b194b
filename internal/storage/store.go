package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"

	"garagechat/internal/protocol"
	"garagechat/internal/room"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
	defaultHistoryLimit  = 500
)

// Store wraps the SQLite handle used by the relay.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Participant is a registered user or workshop account.
type Participant struct {
	ID        room.Identity
	Role      protocol.Role
	Name      string
	AvatarURL string
	CreatedAt time.Time
}

// NewMessage is a message accepted by the relay and about to be persisted.
type NewMessage struct {
	Room     room.RoomID
	Sender   room.Identity
	Receiver room.Identity
	Content  string
	// ReceiverPresent suppresses the unread bump when the receiver has the
	// conversation open.
	ReceiverPresent bool
}

var (
	// ErrUnknownParticipant is returned when a token is issued for an
	// identity that was never registered.
	ErrUnknownParticipant = errors.New("storage: unknown participant")
	// ErrNotParticipant is returned when a message is appended to a room the
	// sender does not belong to.
	ErrNotParticipant = errors.New("storage: sender is not a room participant")
)

// NewStore opens the SQLite database at path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "garagechat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(identity) REFERENCES participants(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			workshop_id TEXT NOT NULL,
			last_message TEXT,
			last_message_at TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS messages_room_created ON messages(room_id, created_at, seq);`,
		`CREATE TABLE IF NOT EXISTS unread (
			room_id TEXT NOT NULL,
			identity TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, identity),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertParticipant registers an account or refreshes its profile.
func (s *Store) UpsertParticipant(ctx context.Context, p Participant) error {
	id := p.ID.Normalize()
	if id.IsZero() {
		return room.ErrMissingIdentity
	}
	if strings.Contains(id.String(), room.Separator) {
		return room.ErrInvalidIdentity
	}
	if !p.Role.Valid() {
		return fmt.Errorf("storage: invalid role %q", p.Role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants(id, role, name, avatar_url) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET role=excluded.role, name=excluded.name, avatar_url=excluded.avatar_url
	`, id.String(), string(p.Role), p.Name, p.AvatarURL)
	return err
}

// GetParticipant returns nil when the identity is unknown.
func (s *Store) GetParticipant(ctx context.Context, id room.Identity) (*Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, role, name, avatar_url, created_at FROM participants WHERE id = ?`, id.Normalize().String())
	var (
		p       Participant
		rawID   string
		rawRole string
	)
	if err := row.Scan(&rawID, &rawRole, &p.Name, &p.AvatarURL, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.ID = room.Identity(rawID)
	p.Role = protocol.Role(rawRole)
	return &p, nil
}

// IssueToken creates a new opaque token for a registered identity.
func (s *Store) IssueToken(ctx context.Context, identity room.Identity) (string, error) {
	token := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tokens(token, identity) VALUES(?, ?)`, token, identity.Normalize().String())
	if err != nil {
		if isConstraintError(err) {
			return "", ErrUnknownParticipant
		}
		return "", err
	}
	return token, nil
}

// IdentityForToken resolves a token. The zero identity means unknown.
func (s *Store) IdentityForToken(ctx context.Context, token string) (room.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT identity FROM tokens WHERE token = ?`, token)
	var identity string
	if err := row.Scan(&identity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return room.Identity(identity), nil
}

// RevokeToken deletes a token.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token)
	return err
}

// EnsureRoom creates the room row if needed so it shows up in both lists.
func (s *Store) EnsureRoom(ctx context.Context, id room.RoomID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = ensureRoom(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func ensureRoom(ctx context.Context, tx *sql.Tx, id room.RoomID) error {
	a, b, err := id.Participants()
	if err != nil {
		return err
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE id = ?`, id.String()).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	user, workshop, err := assignSides(ctx, tx, a, b)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rooms(id, user_id, workshop_id) VALUES(?, ?, ?)`, id.String(), user.String(), workshop.String())
	return err
}

// assignSides puts the workshop account on the workshop side. Pairs without
// exactly one workshop keep room order.
func assignSides(ctx context.Context, tx *sql.Tx, a, b room.Identity) (room.Identity, room.Identity, error) {
	roleOf := func(id room.Identity) (protocol.Role, error) {
		var role string
		err := tx.QueryRowContext(ctx, `SELECT role FROM participants WHERE id = ?`, id.String()).Scan(&role)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return protocol.Role(role), err
	}
	roleA, err := roleOf(a)
	if err != nil {
		return "", "", err
	}
	roleB, err := roleOf(b)
	if err != nil {
		return "", "", err
	}
	if roleA == protocol.RoleWorkshop && roleB != protocol.RoleWorkshop {
		return b, a, nil
	}
	return a, b, nil
}

// AppendMessage persists msg, refreshes the room's last message and bumps the
// receiver's unread count, all in one transaction.
func (s *Store) AppendMessage(ctx context.Context, msg NewMessage) (protocol.Message, error) {
	if !msg.Room.Has(msg.Sender) {
		return protocol.Message{}, ErrNotParticipant
	}
	stored := protocol.Message{
		ID:        uuid.NewString(),
		Content:   msg.Content,
		SenderID:  msg.Sender.Normalize(),
		Timestamp: protocol.FormatTime(s.now()),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Message{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = ensureRoom(ctx, tx, msg.Room); err != nil {
		return protocol.Message{}, err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO messages(id, room_id, sender_id, content, created_at) VALUES(?, ?, ?, ?, ?)`,
		stored.ID, msg.Room.String(), stored.SenderID.String(), stored.Content, stored.Timestamp); err != nil {
		return protocol.Message{}, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE rooms SET last_message = ?, last_message_at = ? WHERE id = ?`,
		stored.Content, stored.Timestamp, msg.Room.String()); err != nil {
		return protocol.Message{}, err
	}
	if !msg.ReceiverPresent && !msg.Receiver.IsZero() {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO unread(room_id, identity, count) VALUES(?, ?, 1)
			ON CONFLICT(room_id, identity) DO UPDATE SET count = count + 1
		`, msg.Room.String(), msg.Receiver.Normalize().String()); err != nil {
			return protocol.Message{}, err
		}
	}
	var name sql.NullString
	if err = tx.QueryRowContext(ctx, `SELECT name FROM participants WHERE id = ?`, stored.SenderID.String()).Scan(&name); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return protocol.Message{}, err
	}
	stored.SenderName = name.String
	if err = tx.Commit(); err != nil {
		return protocol.Message{}, err
	}
	return stored, nil
}

// History returns up to limit of the most recent messages, oldest first.
func (s *Store) History(ctx context.Context, id room.RoomID, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, sender_id, name, created_at FROM (
			SELECT m.seq, m.id, m.content, m.sender_id, COALESCE(p.name, '') AS name, m.created_at
			FROM messages m
			LEFT JOIN participants p ON p.id = m.sender_id
			WHERE m.room_id = ?
			ORDER BY m.created_at DESC, m.seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`, id.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []protocol.Message{}
	for rows.Next() {
		var (
			msg    protocol.Message
			sender string
		)
		if err := rows.Scan(&msg.ID, &msg.Content, &sender, &msg.SenderName, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.SenderID = room.Identity(sender)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListSummaries returns every conversation identity takes part in, most
// recent first, with identity's unread counts.
func (s *Store) ListSummaries(ctx context.Context, identity room.Identity) ([]protocol.ConversationSummary, error) {
	self := identity.Normalize().String()
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.user_id, COALESCE(pu.name, ''), COALESCE(pu.avatar_url, ''),
			r.workshop_id, COALESCE(pw.name, ''), COALESCE(pw.avatar_url, ''),
			r.last_message, r.last_message_at, COALESCE(u.count, 0)
		FROM rooms r
		LEFT JOIN participants pu ON pu.id = r.user_id
		LEFT JOIN participants pw ON pw.id = r.workshop_id
		LEFT JOIN unread u ON u.room_id = r.id AND u.identity = ?
		WHERE r.user_id = ? OR r.workshop_id = ?
		ORDER BY r.last_message_at IS NULL, r.last_message_at DESC, r.id ASC
	`, self, self, self)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []protocol.ConversationSummary{}
	for rows.Next() {
		var (
			sum                protocol.ConversationSummary
			roomID, user, shop string
			last, lastAt       sql.NullString
		)
		if err := rows.Scan(&roomID, &user, &sum.User.Name, &sum.User.AvatarURL,
			&shop, &sum.Workshop.Name, &sum.Workshop.AvatarURL,
			&last, &lastAt, &sum.UnreadCount); err != nil {
			return nil, err
		}
		sum.RoomID = room.RoomID(roomID)
		sum.User.ID = room.Identity(user)
		sum.Workshop.ID = room.Identity(shop)
		if last.Valid {
			sum.LastMessage = &last.String
		}
		if lastAt.Valid {
			sum.LastMessageTimestamp = &lastAt.String
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// MarkRead clears identity's unread count for a room.
func (s *Store) MarkRead(ctx context.Context, id room.RoomID, identity room.Identity) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM unread WHERE room_id = ? AND identity = ?`, id.String(), identity.Normalize().String())
	return err
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended codes (unique, foreign key) share the primary code byte.
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
