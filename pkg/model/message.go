package model

import "time"

// FrameType tags every JSON frame exchanged over the sockets.
type FrameType string

const (
	// Client -> Server
	TypeMarkRead FrameType = "mark_read"

	// Server -> Client
	TypeOnlineContacts FrameType = "online_contacts"
	TypeOnlineStatus   FrameType = "online_status"
	TypeUnreadMessage  FrameType = "unread_message"
	TypeChatMessage    FrameType = "chat_message"
	TypeError          FrameType = "error"
)

// User is the minimal directory record the core needs to resolve senders
// and receivers. PublicKey is opaque to the server.
type User struct {
	ID        string    `json:"user_id"`
	PublicKey string    `json:"public_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session pairs two users. Each participant gets its own wrapped copy of
// the conversation key; the server never sees the key itself.
type Session struct {
	ID                   string    `json:"session_id"`
	Sender               string    `json:"sender"`
	Receiver             string    `json:"receiver"`
	KeyEncryptedSender   string    `json:"aes_key_encrypted_sender"`
	KeyEncryptedReceiver string    `json:"aes_key_encrypted_receiver"`
	CreatedAt            time.Time `json:"created_at"`
}

// Has reports whether userID takes part in the session.
func (s Session) Has(userID string) bool {
	return s.Sender == userID || s.Receiver == userID
}

// Pairs reports whether the session's participants are exactly a and b.
func (s Session) Pairs(a, b string) bool {
	return (s.Sender == a && s.Receiver == b) || (s.Sender == b && s.Receiver == a)
}

// WrappedKeyFor returns the key copy encrypted for userID and the other
// participant's id.
func (s Session) WrappedKeyFor(userID string) (key string, counterpart string) {
	if s.Sender == userID {
		return s.KeyEncryptedSender, s.Receiver
	}
	return s.KeyEncryptedReceiver, s.Sender
}

// Message is one ciphertext in a session. Content and Nonce are opaque.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"is_read"`
}
