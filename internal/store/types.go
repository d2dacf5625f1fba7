package store

// UserRef identifies a member of a conversation.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation represents one entry of the authoritative conversation list.
// Geofenced groups carry a center coordinate and a radius; direct chats and
// non-local groups leave the pointers nil.
type Conversation struct {
	ID        string
	IsGroup   bool
	Title     string
	Members   []UserRef
	Latitude  *float64
	Longitude *float64
	RadiusKm  *float64
	UpdatedAt int64
}

// Message represents a delivered message with a server-assigned id.
type Message struct {
	ID          int64
	ChatID      string
	MsgID       string
	SenderID    string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Status      string
	Timestamp   int64
}

// OutboxEntry represents a message composed while the outbound link was
// unavailable. Entries never have a server id until delivery succeeds.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       string
	SenderID     string
	Body         string
	MessageType  string
	Status       string // queued, sending, sent
	ErrorMessage string
	ServerMsgID  string
	EnqueuedAt   int64
}

// ReadCursor records the last message id the local user acknowledged as read.
type ReadCursor struct {
	ChatID            string
	LastReadMessageID string
}
