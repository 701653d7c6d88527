package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/cipherline/pkg/db"
	"github.com/mahaj/cipherline/pkg/model"
)

// ScyllaStore is the clustered backend. Unread messages are indexed in
// their own table partitioned by (receiver, sender) so counting and marking
// read touch a single partition.
type ScyllaStore struct {
	db *db.Session
}

func NewScyllaStore(session *db.Session) *ScyllaStore {
	return &ScyllaStore{db: session}
}

func (s *ScyllaStore) Close() error {
	s.db.Close()
	return nil
}

func (s *ScyllaStore) PutUser(ctx context.Context, user model.User) error {
	query := `INSERT INTO users (user_id, public_key, created_at) VALUES (?, ?, ?)`
	if err := s.db.Query(query, user.ID, user.PublicKey, user.CreatedAt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("save user %s: %w", user.ID, err)
	}
	return nil
}

func (s *ScyllaStore) GetUser(ctx context.Context, userID string) (model.User, error) {
	user := model.User{ID: userID}
	err := s.db.Query(`SELECT public_key, created_at FROM users WHERE user_id = ?`, userID).
		WithContext(ctx).Scan(&user.PublicKey, &user.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("user %s: %w", userID, notFound(err))
	}
	return user, nil
}

func (s *ScyllaStore) AddContact(ctx context.Context, userID, contactID string) error {
	query := `INSERT INTO contacts (user_id, contact_id, created_at) VALUES (?, ?, ?)`
	if err := s.db.Query(query, userID, contactID, time.Now()).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("add contact %s for %s: %w", contactID, userID, err)
	}
	return nil
}

func (s *ScyllaStore) Contacts(ctx context.Context, userID string) ([]string, error) {
	iter := s.db.Query(`SELECT contact_id FROM contacts WHERE user_id = ?`, userID).WithContext(ctx).Iter()

	var contacts []string
	var contactID string
	for iter.Scan(&contactID) {
		contacts = append(contacts, contactID)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("contacts of %s: %w", userID, err)
	}
	return contacts, nil
}

// CreateSession checks the reverse id first, then inserts with a
// lightweight transaction so two racing acceptances cannot both win.
func (s *ScyllaStore) CreateSession(ctx context.Context, session model.Session) error {
	reverse := SessionID(session.Receiver, session.Sender)
	if reverse != session.ID {
		_, err := s.GetSession(ctx, reverse)
		if err == nil {
			return fmt.Errorf("session %s: %w", reverse, ErrSessionExists)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	query := `INSERT INTO sessions (session_id, sender, receiver, aes_key_encrypted_sender, aes_key_encrypted_receiver, created_at)
		VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`
	applied, err := s.db.Query(query, session.ID, session.Sender, session.Receiver,
		session.KeyEncryptedSender, session.KeyEncryptedReceiver, session.CreatedAt).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	if !applied {
		return fmt.Errorf("session %s: %w", session.ID, ErrSessionExists)
	}
	return nil
}

func (s *ScyllaStore) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	session := model.Session{ID: sessionID}
	err := s.db.Query(`SELECT sender, receiver, aes_key_encrypted_sender, aes_key_encrypted_receiver, created_at
		FROM sessions WHERE session_id = ?`, sessionID).WithContext(ctx).
		Scan(&session.Sender, &session.Receiver, &session.KeyEncryptedSender, &session.KeyEncryptedReceiver, &session.CreatedAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("session %s: %w", sessionID, notFound(err))
	}
	return session, nil
}

func (s *ScyllaStore) SaveMessage(ctx context.Context, msg model.Message) error {
	batch := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO messages (session_id, id, sender, receiver, content, nonce, timestamp, is_read) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.ID, msg.Sender, msg.Receiver, msg.Content, msg.Nonce, msg.Timestamp, msg.IsRead)
	if !msg.IsRead {
		batch.Query(`INSERT INTO unread_messages (receiver, sender, id, session_id) VALUES (?, ?, ?, ?)`,
			msg.Receiver, msg.Sender, msg.ID, msg.SessionID)
	}
	if err := s.db.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("save message %d: %w", msg.ID, err)
	}
	return nil
}

func (s *ScyllaStore) UnreadCount(ctx context.Context, sender, receiver string) (int64, error) {
	var count int64
	err := s.db.Query(`SELECT COUNT(*) FROM unread_messages WHERE receiver = ? AND sender = ?`, receiver, sender).
		WithContext(ctx).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count %s->%s: %w", sender, receiver, err)
	}
	return count, nil
}

// MarkRead flips the listed messages and removes their unread rows in one
// logged batch. Rows that arrive after the listing stay unread.
func (s *ScyllaStore) MarkRead(ctx context.Context, sender, receiver string) (int, error) {
	iter := s.db.Query(`SELECT id, session_id FROM unread_messages WHERE receiver = ? AND sender = ?`, receiver, sender).
		WithContext(ctx).Iter()

	batch := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	var id int64
	var sessionID string
	changed := 0
	for iter.Scan(&id, &sessionID) {
		batch.Query(`UPDATE messages SET is_read = true WHERE session_id = ? AND id = ?`, sessionID, id)
		batch.Query(`DELETE FROM unread_messages WHERE receiver = ? AND sender = ? AND id = ?`, receiver, sender, id)
		changed++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("list unread %s->%s: %w", sender, receiver, err)
	}
	if changed == 0 {
		return 0, nil
	}

	if err := s.db.ExecuteBatch(batch); err != nil {
		return 0, fmt.Errorf("mark read %s->%s: %w", sender, receiver, err)
	}
	return changed, nil
}

func (s *ScyllaStore) History(ctx context.Context, sessionID string) ([]model.Message, error) {
	iter := s.db.Query(`SELECT id, sender, receiver, content, nonce, timestamp, is_read FROM messages WHERE session_id = ?`, sessionID).
		WithContext(ctx).Iter()

	var messages []model.Message
	msg := model.Message{SessionID: sessionID}
	for iter.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Content, &msg.Nonce, &msg.Timestamp, &msg.IsRead) {
		messages = append(messages, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("history of %s: %w", sessionID, err)
	}
	return messages, nil
}

func notFound(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
