package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string, log *slog.Logger) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla %v: %w", hosts, err)
	}

	log.Info("Connected to ScyllaDB cluster", "hosts", hosts, "keyspace", keyspace)
	return &Session{Session: session}, nil
}

// Schema lists the tables the store needs, in creation order.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id text PRIMARY KEY,
		public_key text,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		user_id text,
		contact_id text,
		created_at timestamp,
		PRIMARY KEY (user_id, contact_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id text PRIMARY KEY,
		sender text,
		receiver text,
		aes_key_encrypted_sender text,
		aes_key_encrypted_receiver text,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		session_id text,
		id bigint,
		sender text,
		receiver text,
		content text,
		nonce text,
		timestamp timestamp,
		is_read boolean,
		PRIMARY KEY (session_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`,
	`CREATE TABLE IF NOT EXISTS unread_messages (
		receiver text,
		sender text,
		id bigint,
		session_id text,
		PRIMARY KEY ((receiver, sender), id)
	)`,
}

// Migrate creates the keyspace through a system-keyspace session, then the
// tables inside it.
func Migrate(hosts []string, keyspace string, replication int, log *slog.Logger) error {
	sys, err := NewSession(hosts, "system", log)
	if err != nil {
		return err
	}
	err = sys.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`,
		keyspace, replication)).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}

	session, err := NewSession(hosts, keyspace, log)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, stmt := range Schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	log.Info("Schema applied", "keyspace", keyspace, "tables", len(Schema))
	return nil
}

// Tables names what Schema creates, in the same order.
var Tables = []string{"users", "contacts", "sessions", "messages", "unread_messages"}

// Drop removes every table in reverse creation order. The keyspace stays.
func Drop(session *Session, log *slog.Logger) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if err := session.Query("DROP TABLE IF EXISTS " + Tables[i]).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", Tables[i], err)
		}
		log.Info("Table dropped", "table", Tables[i])
	}
	return nil
}
