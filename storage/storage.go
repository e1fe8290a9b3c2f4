// Package storage implements the durable chat history store for tocks.
//
// Each account owns one sqlite database holding its conversations, the
// users it has seen, and bookkeeping for messages whose delivery has not
// yet been confirmed. Message rows are append-only; ordering by message id
// is chronological send/receive order.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// UserHandle identifies a person (self or friend) within one account's
// database. Created on first observation of a public key, never deleted.
type UserHandle int64

// ChatHandle identifies one conversation's message stream.
type ChatHandle int64

// ChatMessageID identifies one message row. Monotonically increasing
// within a database.
type ChatMessageID int64

// MessageKind distinguishes regular text from /me style action messages.
type MessageKind string

const (
	MessageNormal MessageKind = "normal"
	MessageAction MessageKind = "action"
)

// Message is the user-visible body of a chat log entry.
type Message struct {
	Kind MessageKind `json:"kind"`
	Text string      `json:"text"`
}

// ChatLogEntry is one persisted message. Immutable once written; only the
// Complete flag changes, and only through receipt resolution.
type ChatLogEntry struct {
	ID        ChatMessageID `json:"id"`
	Sender    UserHandle    `json:"sender"`
	Message   Message       `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	Complete  bool          `json:"complete"`
}

// FriendRecord is the stored half of a friend relationship. The in-memory
// protocol friend handle is correlated with it by public key.
type FriendRecord struct {
	User      UserHandle
	Chat      ChatHandle
	PublicKey [32]byte
	Name      string
}

// ErrReceiptNotFound is returned when resolving a receipt that has no
// pending row, including a second resolution of the same receipt.
var ErrReceiptNotFound = errors.New("receipt not found")

// Storage is a single account's message log store.
//
// All access is expected from one task at a time; the connection pool is
// pinned to a single connection so in-memory databases behave and writes
// serialize naturally.
type Storage struct {
	db  *sql.DB
	ram bool
}

// Open opens (creating if needed) the database at path and runs startup
// recovery: receipt ids from a prior process are meaningless and are
// cleared, leaving their messages intact but unconfirmable.
func Open(path string) (*Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	s := &Storage{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"path": path,
	}).Info("Opened chat history database")

	return s, nil
}

// OpenInMemory opens a volatile store. Used as the degraded fallback when
// the on-disk database cannot be opened.
func OpenInMemory() (*Storage, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory db: %w", err)
	}

	s := &Storage{db: db, ram: true}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// InMemory reports whether this store is the volatile fallback.
func (s *Storage) InMemory() bool {
	return s.ram
}

// Close releases the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) initialize() error {
	// One connection: sqlite in-memory databases are per-connection, and
	// the store is only ever driven from a single task anyway.
	s.db.SetMaxOpenConns(1)

	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign key support: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	// chats exists solely to link messages to friends, and later groups
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id INTEGER PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			public_key BLOB NOT NULL UNIQUE,
			name STRING)`,
		`CREATE TABLE IF NOT EXISTS friends (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (chat_id) REFERENCES chats(id))`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id),
			FOREIGN KEY (sender_id) REFERENCES users(id))`,
		// Text bodies are split from messages since file transfers will
		// want message rows of their own
		`CREATE TABLE IF NOT EXISTS text_messages (
			id INTEGER PRIMARY KEY,
			message_id INTEGER NOT NULL,
			message BLOB NOT NULL,
			action BOOL NOT NULL,
			FOREIGN KEY (message_id) REFERENCES messages(id))`,
		// receipt_id may be NULL to indicate a message that is pending
		// but whose receipt did not survive a restart
		`CREATE TABLE IF NOT EXISTS pending_messages (
			id INTEGER PRIMARY KEY,
			message_id INTEGER NOT NULL UNIQUE,
			receipt_id INTEGER,
			FOREIGN KEY (message_id) REFERENCES messages(id))`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit db initialization: %w", err)
	}

	if err := s.clearReceiptIDs(); err != nil {
		return fmt.Errorf("failed to clear receipt ids on initialization: %w", err)
	}

	return nil
}

// clearReceiptIDs invalidates receipts issued by a previous process run.
// The messages themselves stay, permanently unconfirmable through this
// mechanism.
func (s *Storage) clearReceiptIDs() error {
	res, err := s.db.Exec("UPDATE pending_messages SET receipt_id = NULL WHERE receipt_id IS NOT NULL")
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logrus.WithFields(logrus.Fields{
			"messages": n,
		}).Warn("Cleared receipts from a previous run; delivery of those messages is unknown")
	}

	return nil
}

// AddUser upserts a user by public key, updating the stored name on
// subsequent observations of the same key.
func (s *Storage) AddUser(publicKey [32]byte, name string) (UserHandle, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin add user transaction: %w", err)
	}
	defer tx.Rollback()

	handle, err := addUserTx(tx, publicKey, name)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit user: %w", err)
	}

	return handle, nil
}

func addUserTx(tx *sql.Tx, publicKey [32]byte, name string) (UserHandle, error) {
	var id int64
	err := tx.QueryRow("SELECT id FROM users WHERE public_key = ?", publicKey[:]).Scan(&id)
	switch {
	case err == nil:
		if _, err := tx.Exec("UPDATE users SET name = ? WHERE id = ?", name, id); err != nil {
			return 0, fmt.Errorf("failed to update user name: %w", err)
		}
		return UserHandle(id), nil
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.Exec("INSERT INTO users (public_key, name) VALUES (?, ?)", publicKey[:], name)
		if err != nil {
			return 0, fmt.Errorf("failed to add user: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		return UserHandle(id), nil
	default:
		return 0, fmt.Errorf("failed to retrieve user: %w", err)
	}
}

// AddFriend creates the user row (or reuses an existing one), a fresh chat
// row, and the friend link in one transaction. A friend relationship gets
// exactly one chat for its lifetime.
func (s *Storage) AddFriend(publicKey [32]byte, name string) (FriendRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return FriendRecord{}, fmt.Errorf("failed to begin add friend transaction: %w", err)
	}
	defer tx.Rollback()

	user, err := addUserTx(tx, publicKey, name)
	if err != nil {
		return FriendRecord{}, err
	}

	res, err := tx.Exec("INSERT INTO chats DEFAULT VALUES")
	if err != nil {
		return FriendRecord{}, fmt.Errorf("failed to add chat: %w", err)
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return FriendRecord{}, err
	}

	if _, err := tx.Exec("INSERT INTO friends (user_id, chat_id) VALUES (?, ?)", int64(user), chatID); err != nil {
		return FriendRecord{}, fmt.Errorf("failed to add friend link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FriendRecord{}, fmt.Errorf("failed to commit friend: %w", err)
	}

	return FriendRecord{
		User:      user,
		Chat:      ChatHandle(chatID),
		PublicKey: publicKey,
		Name:      name,
	}, nil
}

// Friends returns every stored friend relationship.
func (s *Storage) Friends() ([]FriendRecord, error) {
	rows, err := s.db.Query(
		`SELECT chat_id, user_id, users.public_key, users.name
		FROM friends LEFT JOIN users ON user_id = users.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve friends: %w", err)
	}
	defer rows.Close()

	var friends []FriendRecord
	for rows.Next() {
		var (
			rec FriendRecord
			pk  []byte
		)
		if err := rows.Scan(&rec.Chat, &rec.User, &pk, &rec.Name); err != nil {
			return nil, fmt.Errorf("failed to scan friend row: %w", err)
		}
		if len(pk) != len(rec.PublicKey) {
			return nil, fmt.Errorf("friend row for user %d has %d byte public key", rec.User, len(pk))
		}
		copy(rec.PublicKey[:], pk)
		friends = append(friends, rec)
	}

	return friends, rows.Err()
}

// PushMessage appends one message to a chat with a store-assigned
// timestamp. The entry is visible to LoadMessages as soon as this returns.
func (s *Storage) PushMessage(chat ChatHandle, sender UserHandle, message Message) (ChatLogEntry, error) {
	timestamp := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return ChatLogEntry{}, fmt.Errorf("failed to begin push message transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO messages (chat_id, sender_id, timestamp) VALUES (?, ?, ?)",
		int64(chat), int64(sender), timestamp)
	if err != nil {
		return ChatLogEntry{}, fmt.Errorf("failed to insert message: %w", err)
	}

	msgID, err := res.LastInsertId()
	if err != nil {
		return ChatLogEntry{}, err
	}

	if _, err := tx.Exec(
		"INSERT INTO text_messages (message_id, message, action) VALUES (?, ?, ?)",
		msgID, message.Text, message.Kind == MessageAction); err != nil {
		return ChatLogEntry{}, fmt.Errorf("failed to insert message text: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ChatLogEntry{}, fmt.Errorf("failed to commit message: %w", err)
	}

	return ChatLogEntry{
		ID:        ChatMessageID(msgID),
		Sender:    sender,
		Message:   message,
		Timestamp: timestamp,
		Complete:  true,
	}, nil
}

// LoadMessages returns a chat's full history ascending by message id. A
// message is incomplete while a pending_messages row still references it.
func (s *Storage) LoadMessages(chat ChatHandle) ([]ChatLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT messages.id, sender_id, timestamp, message, action,
			pending_messages.id IS NULL
		FROM messages
		LEFT JOIN text_messages ON messages.id = text_messages.message_id
		LEFT JOIN pending_messages ON messages.id = pending_messages.message_id
		WHERE chat_id = ?
		ORDER BY messages.id ASC`, int64(chat))
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve messages: %w", err)
	}
	defer rows.Close()

	var entries []ChatLogEntry
	for rows.Next() {
		var (
			entry  ChatLogEntry
			action bool
		)
		if err := rows.Scan(&entry.ID, &entry.Sender, &entry.Timestamp,
			&entry.Message.Text, &action, &entry.Complete); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		entry.Message.Kind = MessageNormal
		if action {
			entry.Message.Kind = MessageAction
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// AddUnresolvedReceipt records that message's delivery confirmation is
// outstanding under the given protocol receipt. A message has at most one
// pending row; recording a second receipt for it replaces the first.
func (s *Storage) AddUnresolvedReceipt(message ChatMessageID, receipt int64) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO pending_messages (message_id, receipt_id) VALUES (?, ?)",
		int64(message), receipt)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

// ResolveReceipt removes the pending row for a receipt and returns the
// message it confirmed. Resolving an unknown or already-resolved receipt
// returns ErrReceiptNotFound.
func (s *Storage) ResolveReceipt(receipt int64) (ChatMessageID, error) {
	var msgID int64
	err := s.db.QueryRow(
		"SELECT message_id FROM pending_messages WHERE receipt_id = ?", receipt).Scan(&msgID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrReceiptNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve receipt: %w", err)
	}

	if _, err := s.db.Exec("DELETE FROM pending_messages WHERE receipt_id = ?", receipt); err != nil {
		return 0, fmt.Errorf("failed to remove receipt: %w", err)
	}

	return ChatMessageID(msgID), nil
}
