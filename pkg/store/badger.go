package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mahaj/cipherline/pkg/model"
)

// Key parts are joined with a NUL byte so user ids may contain any
// printable character without colliding under prefix scans.
const sep = "\x00"

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

func prefix(parts ...string) []byte {
	return append(key(parts...), sep...)
}

func seq(id int64) string {
	return fmt.Sprintf("%019d", id)
}

// BadgerStore is the embedded backend for single-node deployments.
//
// Layout:
//
//	user␀{id}                              -> model.User
//	contact␀{user}␀{contact}               -> created_at
//	session␀{id}                           -> model.Session
//	msg␀{session}␀{seq}                    -> model.Message
//	unread␀{receiver}␀{sender}␀{seq}       -> msg key
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

func OpenBadger(path string, log *slog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return NewBadgerStore(db, log), nil
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

func (s *BadgerStore) Close() error {
	s.log.Info("Closing BadgerDB...")
	return s.db.Close()
}

func (s *BadgerStore) PutUser(_ context.Context, user model.User) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, key("user", user.ID), user)
	})
}

func (s *BadgerStore) GetUser(_ context.Context, userID string) (model.User, error) {
	var user model.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key("user", userID), &user)
	})
	if err != nil {
		return model.User{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return user, nil
}

func (s *BadgerStore) AddContact(_ context.Context, userID, contactID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key("contact", userID, contactID), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (s *BadgerStore) Contacts(_ context.Context, userID string) ([]string, error) {
	var contacts []string
	p := prefix("contact", userID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			contacts = append(contacts, string(it.Item().Key()[len(p):]))
		}
		return nil
	})
	return contacts, err
}

func (s *BadgerStore) CreateSession(_ context.Context, session model.Session) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range []string{SessionID(session.Sender, session.Receiver), SessionID(session.Receiver, session.Sender), session.ID} {
			_, err := txn.Get(key("session", id))
			if err == nil {
				return fmt.Errorf("session %s: %w", id, ErrSessionExists)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return setJSON(txn, key("session", session.ID), session)
	})
}

func (s *BadgerStore) GetSession(_ context.Context, sessionID string) (model.Session, error) {
	var session model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key("session", sessionID), &session)
	})
	if err != nil {
		return model.Session{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return session, nil
}

func (s *BadgerStore) SaveMessage(_ context.Context, msg model.Message) error {
	msgKey := key("msg", msg.SessionID, seq(msg.ID))
	return s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, msgKey, msg); err != nil {
			return err
		}
		if msg.IsRead {
			return nil
		}
		return txn.Set(key("unread", msg.Receiver, msg.Sender, seq(msg.ID)), msgKey)
	})
}

func (s *BadgerStore) UnreadCount(_ context.Context, sender, receiver string) (int64, error) {
	var count int64
	p := prefix("unread", receiver, sender)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// MarkRead runs in one transaction, so a concurrent reader sees either all
// of the pair's messages flipped or none.
func (s *BadgerStore) MarkRead(_ context.Context, sender, receiver string) (int, error) {
	var changed int
	p := prefix("unread", receiver, sender)
	err := s.db.Update(func(txn *badger.Txn) error {
		type pending struct{ unreadKey, msgKey []byte }
		var todo []pending

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			msgKey, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			todo = append(todo, pending{unreadKey: item.KeyCopy(nil), msgKey: msgKey})
		}
		it.Close()

		for _, t := range todo {
			var msg model.Message
			if err := getJSON(txn, t.msgKey, &msg); err != nil {
				return err
			}
			msg.IsRead = true
			if err := setJSON(txn, t.msgKey, msg); err != nil {
				return err
			}
			if err := txn.Delete(t.unreadKey); err != nil {
				return err
			}
		}
		changed = len(todo)
		return nil
	})
	return changed, err
}

func (s *BadgerStore) History(_ context.Context, sessionID string) ([]model.Message, error) {
	var messages []model.Message
	p := prefix("msg", sessionID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var msg model.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	return messages, err
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
