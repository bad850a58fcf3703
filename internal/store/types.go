package store

// MessageType is the structural type of a message, decoded once at the
// ingestion boundary. Unrecognized payload shapes map to TypeOther.
type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeVideo       MessageType = "video"
	TypeAudio       MessageType = "audio"
	TypeDocument    MessageType = "document"
	TypeSticker     MessageType = "sticker"
	TypeLocation    MessageType = "location"
	TypeContactCard MessageType = "contact_card"
	TypePoll        MessageType = "poll"
	TypeOther       MessageType = "other"
)

// HasMedia reports whether the type carries a downloadable payload.
func (t MessageType) HasMedia() bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeSticker:
		return true
	}
	return false
}

// Session is the persisted connection state for one account.
type Session struct {
	AccountID       string
	Status          string
	PhoneNumber     string
	LastErrorCode   int
	LastError       string
	LastConnectedAt int64
	UpdatedAt       int64
}

// Session status values.
const (
	SessionDisconnected       = "disconnected"
	SessionAwaitingCredential = "awaiting_credential"
	SessionConnected          = "connected"
)

// Contact is the canonical identity for a conversation partner or group,
// unique per (account, jid).
type Contact struct {
	ID        string
	AccountID string
	JID       string
	AliasJID  string
	Name      string
	PushName  string
	IsGroup   bool

	Notes            string
	Tags             []string
	Birthday         int64
	Company          string
	JobTitle         string
	Location         string
	RelationshipType string
	ContactFrequency string
	Importance       int
	CustomFields     string

	LastInteractionAt int64
	Count7d           int
	Count30d          int
	Count90d          int
	StatsUpdatedAt    int64

	CreatedAt int64
	UpdatedAt int64
}

// DisplayName resolves the best available name for a contact.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.PushName != "" {
		return c.PushName
	}
	return c.JID
}

// Message is one persisted message, unique per (account, wa_msg_id). Content
// is immutable after commit; only the media reference and the read flag are
// patched afterwards.
type Message struct {
	ID        int64
	AccountID string
	ContactID string
	WAID      string
	FromMe    bool
	Body      string
	Type      MessageType
	Timestamp int64

	HasMedia  bool
	MediaURL  string
	MediaMime string
	MediaSize int64

	QuotedWAID     string
	QuotedBody     string
	GroupSenderJID string
	Mentions       []string

	Read      bool
	CreatedAt int64
}

// Reaction is the current reaction emoji to a message from one direction.
// At most one row exists per (message, from_me).
type Reaction struct {
	ID        int64
	AccountID string
	MessageID int64
	FromMe    bool
	Emoji     string
	UpdatedAt int64
}

// Conversation is the derived per-contact projection used for list rendering:
// latest message plus unread count.
type Conversation struct {
	ContactID   string
	JID         string
	Name        string
	PushName    string
	IsGroup     bool
	UnreadCount int
	LastMessage Message
}

// ContactUpsert carries metadata observed from the network for bulk syncs.
type ContactUpsert struct {
	JID      string
	Name     string
	PushName string
	IsGroup  bool
}
