package model

// MarkReadFrame is sent on the notification socket.
type MarkReadFrame struct {
	Type      FrameType `json:"type"`
	ContactID string    `json:"contact_id"`
}

// SendFrame is sent on the chat socket. Message is ciphertext.
type SendFrame struct {
	SessionName string `json:"sessionName" validate:"required"`
	Message     string `json:"message" validate:"required"`
	Nonce       string `json:"nonce" validate:"required"`
}

type OnlineContactsFrame struct {
	Type    FrameType `json:"type"`
	UserIDs []string  `json:"user_ids"`
}

type OnlineStatusFrame struct {
	Type     FrameType `json:"type"`
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
}

type UnreadMessageFrame struct {
	Type        FrameType `json:"type"`
	FromUser    string    `json:"from_user"`
	UnreadCount int64     `json:"unread_count"`
}

type ChatMessageFrame struct {
	Type        FrameType `json:"type"`
	Message     string    `json:"message"`
	SenderID    string    `json:"sender_id"`
	Nonce       string    `json:"nonce"`
	SessionName string    `json:"session_name"`
	Timestamp   string    `json:"timestamp"`
}

type ErrorFrame struct {
	Type  FrameType `json:"type"`
	Error string    `json:"error"`
}

// ClockFormat renders timestamps as hour:minute with an am/pm marker.
const ClockFormat = "03:04 PM"
