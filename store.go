// store.go
// SQLite persistence for the entities the transport touches. The wider
// marketplace CRUD (offer/need/profile management) lives elsewhere; this
// store exposes only context resolution plus message and handshake
// persistence, and the minimal writes tests and seeding need.
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrContextNotFound       = errors.New("conversation context not found")
	ErrHandshakeExists       = errors.New("handshake already exists for this interest")
	ErrInvalidHandshakeState = errors.New("handshake is not in a state that allows this transition")
)

type User struct {
	ID       int64
	Username string
	FullName string
}

// DisplayName falls back to the username when no full name is set.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.FullName); name != "" {
		return name
	}
	return u.Username
}

// Message is append-only: immutable after creation except is_read,
// which belongs to an external read-receipt flow and is only ever
// initialized to false here.
type Message struct {
	ID          int64
	SenderID    int64
	RecipientID int64
	Content     string
	CreatedAt   time.Time
	IsRead      bool
}

type HandshakeStatus string

const (
	HandshakeActive     HandshakeStatus = "active"
	HandshakeInProgress HandshakeStatus = "in_progress"
	HandshakeCompleted  HandshakeStatus = "completed"
	HandshakeCancelled  HandshakeStatus = "cancelled"
)

// Handshake records a two-party agreement rooted in exactly one accepted
// interest. user1 is always the context owner, user2 the counterpart;
// neither changes after creation.
type Handshake struct {
	ID        string
	User1ID   int64
	User2ID   int64
	Status    HandshakeStatus
	CreatedAt time.Time
	StartedAt *time.Time
	Notes     string
}

type InterestStatus string

const (
	InterestPending  InterestStatus = "pending"
	InterestAccepted InterestStatus = "accepted"
)

// Store wraps the SQLite database. database/sql serializes access; no
// extra locking is needed here.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed initializes) the database at path.
// Use ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS needs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		created_at INTEGER NOT NULL
	);

	-- One interest per (context, user); the accepted row establishes
	-- the conversation counterpart.
	CREATE TABLE IF NOT EXISTS offer_interests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		offer_id INTEGER NOT NULL REFERENCES offers(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		UNIQUE(offer_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS need_interests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		need_id INTEGER NOT NULL REFERENCES needs(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		UNIQUE(need_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		offer_interest_id INTEGER REFERENCES offer_interests(id),
		need_interest_id INTEGER REFERENCES need_interests(id),
		sender_id INTEGER NOT NULL REFERENCES users(id),
		recipient_id INTEGER NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_offer ON messages(offer_interest_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_need ON messages(need_interest_id, created_at);

	-- Exactly one interest link per handshake, and at most one
	-- handshake per interest: the UNIQUE columns make handshake_start
	-- idempotent at the storage layer.
	CREATE TABLE IF NOT EXISTS handshakes (
		id TEXT PRIMARY KEY,
		offer_interest_id INTEGER UNIQUE REFERENCES offer_interests(id),
		need_interest_id INTEGER UNIQUE REFERENCES need_interests(id),
		user1_id INTEGER NOT NULL REFERENCES users(id),
		user2_id INTEGER NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		notes TEXT NOT NULL DEFAULT '',
		CHECK ((offer_interest_id IS NULL) != (need_interest_id IS NULL))
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// --- Users ---

func (s *Store) CreateUser(username, fullName string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO users (username, full_name, created_at) VALUES (?, ?, ?)`,
		username, fullName, time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create user %q: %w", username, err)
	}
	return res.LastInsertId()
}

func (s *Store) UserByID(id int64) (User, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT id, username, full_name FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.FullName)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %d not found", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return u, nil
}

// --- Offers, needs, interests ---

func (s *Store) CreateOffer(userID int64, title string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO offers (user_id, title, created_at) VALUES (?, ?, ?)`,
		userID, title, time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create offer: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) CreateNeed(userID int64, title string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO needs (user_id, title, created_at) VALUES (?, ?, ?)`,
		userID, title, time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create need: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) CreateOfferInterest(offerID, userID int64, status InterestStatus) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO offer_interests (offer_id, user_id, status, created_at) VALUES (?, ?, ?, ?)`,
		offerID, userID, string(status), time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create offer interest: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) CreateNeedInterest(needID, userID int64, status InterestStatus) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO need_interests (need_id, user_id, status, created_at) VALUES (?, ?, ?, ?)`,
		needID, userID, string(status), time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create need interest: %w", err)
	}
	return res.LastInsertId()
}

// --- Context resolution ---

// ResolveContext loads the owner of the offer/need behind id and, when
// an accepted interest exists, the counterpart it establishes. The
// earliest accepted interest wins; there is normally exactly one.
func (s *Store) ResolveContext(id ConversationID) (ConversationContext, error) {
	var ownerQuery, interestQuery string
	switch id.Kind {
	case KindOffer:
		ownerQuery = `SELECT user_id FROM offers WHERE id = ?`
		interestQuery = `SELECT id, user_id FROM offer_interests
			WHERE offer_id = ? AND status = 'accepted' ORDER BY created_at LIMIT 1`
	case KindNeed:
		ownerQuery = `SELECT user_id FROM needs WHERE id = ?`
		interestQuery = `SELECT id, user_id FROM need_interests
			WHERE need_id = ? AND status = 'accepted' ORDER BY created_at LIMIT 1`
	default:
		return nil, ErrMalformedConversationID
	}

	ctx := &entityContext{kind: id.Kind}
	err := s.db.QueryRow(ownerQuery, id.ContextID).Scan(&ctx.owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", id, err)
	}

	err = s.db.QueryRow(interestQuery, id.ContextID).Scan(&ctx.interestID, &ctx.counterpart)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No accepted interest yet; owner-only context.
	case err != nil:
		return nil, fmt.Errorf("failed to resolve interest for %s: %w", id, err)
	default:
		ctx.hasInterest = true
	}
	return ctx, nil
}

// --- Messages ---

func interestColumn(kind ConversationKind) string {
	if kind == KindOffer {
		return "offer_interest_id"
	}
	return "need_interest_id"
}

// CreateMessage persists one chat message linked to the conversation's
// interest. Callers broadcast only after this returns.
func (s *Store) CreateMessage(kind ConversationKind, interestID, senderID, recipientID int64, content string) (Message, error) {
	now := time.Now()
	query := fmt.Sprintf(
		`INSERT INTO messages (%s, sender_id, recipient_id, content, created_at, is_read)
		 VALUES (?, ?, ?, ?, ?, 0)`, interestColumn(kind))
	res, err := s.db.Exec(query, interestID, senderID, recipientID, content, now.UnixNano())
	if err != nil {
		return Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	return Message{
		ID:          id,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   now,
		IsRead:      false,
	}, nil
}

// MessagesByInterest returns the conversation history in creation order.
func (s *Store) MessagesByInterest(kind ConversationKind, interestID int64) ([]Message, error) {
	query := fmt.Sprintf(
		`SELECT id, sender_id, recipient_id, content, created_at, is_read
		 FROM messages WHERE %s = ? ORDER BY created_at, id`, interestColumn(kind))
	rows, err := s.db.Query(query, interestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt int64
		var isRead int
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &createdAt, &isRead); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdAt)
		m.IsRead = isRead != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Handshakes ---

// HandshakeByInterest returns the handshake rooted in the given
// interest, or nil when none exists.
func (s *Store) HandshakeByInterest(kind ConversationKind, interestID int64) (*Handshake, error) {
	query := fmt.Sprintf(
		`SELECT id, user1_id, user2_id, status, created_at, started_at, notes
		 FROM handshakes WHERE %s = ?`, interestColumn(kind))
	var h Handshake
	var createdAt int64
	var startedAt sql.NullInt64
	err := s.db.QueryRow(query, interestID).Scan(
		&h.ID, &h.User1ID, &h.User2ID, &h.Status, &createdAt, &startedAt, &h.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load handshake: %w", err)
	}
	h.CreatedAt = time.Unix(0, createdAt)
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		h.StartedAt = &t
	}
	return &h, nil
}

// CreateHandshake records a new active handshake. The UNIQUE interest
// column turns a concurrent duplicate start into ErrHandshakeExists
// instead of a second row.
func (s *Store) CreateHandshake(kind ConversationKind, interestID, ownerID, counterpartID int64) (Handshake, error) {
	h := Handshake{
		ID:        uuid.NewString(),
		User1ID:   ownerID,
		User2ID:   counterpartID,
		Status:    HandshakeActive,
		CreatedAt: time.Now(),
	}
	query := fmt.Sprintf(
		`INSERT INTO handshakes (id, %s, user1_id, user2_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`, interestColumn(kind))
	_, err := s.db.Exec(query, h.ID, interestID, h.User1ID, h.User2ID, string(h.Status), h.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Handshake{}, ErrHandshakeExists
		}
		return Handshake{}, fmt.Errorf("failed to create handshake: %w", err)
	}
	return h, nil
}

// ApproveHandshake moves an active handshake to in_progress and stamps
// started_at. The WHERE clause makes the transition atomic: a row that
// is no longer active is left untouched.
func (s *Store) ApproveHandshake(id string) (Handshake, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE handshakes SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(HandshakeInProgress), now.UnixNano(), id, string(HandshakeActive))
	if err != nil {
		return Handshake{}, fmt.Errorf("failed to approve handshake: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Handshake{}, fmt.Errorf("failed to approve handshake: %w", err)
	}
	if n == 0 {
		return Handshake{}, ErrInvalidHandshakeState
	}

	var h Handshake
	var createdAt int64
	var startedAt sql.NullInt64
	err = s.db.QueryRow(
		`SELECT id, user1_id, user2_id, status, created_at, started_at, notes
		 FROM handshakes WHERE id = ?`, id,
	).Scan(&h.ID, &h.User1ID, &h.User2ID, &h.Status, &createdAt, &startedAt, &h.Notes)
	if err != nil {
		return Handshake{}, fmt.Errorf("failed to reload handshake: %w", err)
	}
	h.CreatedAt = time.Unix(0, createdAt)
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		h.StartedAt = &t
	}
	return h, nil
}

// --- Seeding ---

// SeedData describes the fixture Seed creates.
type SeedData struct {
	Owner         User
	Counterpart   User
	OfferID       int64
	NeedID        int64
	OfferInterest int64
	NeedInterest  int64
}

// Seed creates a minimal fixture: two users, one offer and one need
// owned by the first, and an accepted interest from the second on each.
// Used by tests and by the -seed flag for local runs.
func (s *Store) Seed() (SeedData, error) {
	var d SeedData
	ownerID, err := s.CreateUser("alice", "Alice Honeycomb")
	if err != nil {
		return d, err
	}
	helperID, err := s.CreateUser("bob", "Bob Drone")
	if err != nil {
		return d, err
	}
	d.OfferID, err = s.CreateOffer(ownerID, "Bike repair lessons")
	if err != nil {
		return d, err
	}
	d.NeedID, err = s.CreateNeed(ownerID, "Help moving a piano")
	if err != nil {
		return d, err
	}
	d.OfferInterest, err = s.CreateOfferInterest(d.OfferID, helperID, InterestAccepted)
	if err != nil {
		return d, err
	}
	d.NeedInterest, err = s.CreateNeedInterest(d.NeedID, helperID, InterestAccepted)
	if err != nil {
		return d, err
	}
	d.Owner, err = s.UserByID(ownerID)
	if err != nil {
		return d, err
	}
	d.Counterpart, err = s.UserByID(helperID)
	return d, err
}
