package signalrpc

// Wire types for signal-cli's jsonRpc mode. Field sets mirror what
// signal-cli actually emits; anything we do not consume is omitted and
// ignored by encoding/json.

// Envelope is the top-level inbound structure carried by "receive"
// notifications.
type Envelope struct {
	Source         string          `json:"source"`       // UUID or number
	SourceNumber   string          `json:"sourceNumber"` // E.164, may be empty
	SourceName     string          `json:"sourceName"`
	SourceDevice   int             `json:"sourceDevice"`
	Timestamp      int64           `json:"timestamp"` // ms since epoch
	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	EditMessage    *EditMessage    `json:"editMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
	SyncMessage    *SyncMessage    `json:"syncMessage,omitempty"`
}

// DataMessage is an actual chat message within an envelope.
type DataMessage struct {
	Timestamp        int64         `json:"timestamp"`
	Message          string        `json:"message"` // body text, may be empty
	ExpiresInSeconds int           `json:"expiresInSeconds"`
	ViewOnce         bool          `json:"viewOnce"`
	GroupInfo        *GroupInfo    `json:"groupInfo,omitempty"`
	Quote            *Quote        `json:"quote,omitempty"`
	Reaction         *Reaction     `json:"reaction,omitempty"`
	RemoteDelete     *RemoteDelete `json:"remoteDelete,omitempty"`
	Sticker          *Sticker      `json:"sticker,omitempty"`
	Attachments      []Attachment  `json:"attachments,omitempty"`
}

// EditMessage wraps a revised DataMessage targeting an earlier send.
type EditMessage struct {
	TargetSentTimestamp int64        `json:"targetSentTimestamp"`
	DataMessage         *DataMessage `json:"dataMessage,omitempty"`
}

// Quote references the message being replied to.
type Quote struct {
	ID     int64  `json:"id"` // sent timestamp of the quoted message
	Author string `json:"author"`
	Text   string `json:"text"`
}

// Reaction is an emoji reaction attached to a previous message.
type Reaction struct {
	Emoji               string `json:"emoji"`
	TargetAuthor        string `json:"targetAuthor"`
	TargetSentTimestamp int64  `json:"targetSentTimestamp"`
	IsRemove            bool   `json:"isRemove"`
}

// RemoteDelete retracts a previously sent message.
type RemoteDelete struct {
	Timestamp int64 `json:"timestamp"`
}

// Sticker identifies a sticker by pack and index.
type Sticker struct {
	PackID    string `json:"packId"`
	StickerID int    `json:"stickerId"`
}

// Attachment describes a received file.
type Attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// GroupInfo is present when a message was sent in a group.
type GroupInfo struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
	Type      string `json:"type"` // DELIVER
}

// TypingMessage signals typing state changes.
type TypingMessage struct {
	Action    string `json:"action"` // STARTED, STOPPED
	Timestamp int64  `json:"timestamp"`
	GroupID   string `json:"groupId,omitempty"`
}

// ReceiptMessage signals delivery or read receipts.
type ReceiptMessage struct {
	When       int64   `json:"when"`
	IsDelivery bool    `json:"isDelivery"`
	IsRead     bool    `json:"isRead"`
	IsViewed   bool    `json:"isViewed"`
	Timestamps []int64 `json:"timestamps"`
}

// SyncMessage carries state synced from the user's other devices.
type SyncMessage struct {
	SentMessage  *SentSyncMessage `json:"sentMessage,omitempty"`
	ReadMessages []ReadMessage    `json:"readMessages,omitempty"`
}

// SentSyncMessage mirrors a message sent from another linked device.
type SentSyncMessage struct {
	Destination string       `json:"destination"`
	Timestamp   int64        `json:"timestamp"`
	Message     string       `json:"message"`
	GroupInfo   *GroupInfo   `json:"groupInfo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ReadMessage marks a message as read on another device.
type ReadMessage struct {
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

// receiveNotification is the params shape of signal-cli's "receive"
// JSON-RPC notification.
type receiveNotification struct {
	Envelope Envelope `json:"envelope"`
	Account  string   `json:"account"`
}

// sendResult is the result shape of the "send" request.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}

// groupEntry is one element of the "listGroups" result.
type groupEntry struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IsMember    bool     `json:"isMember"`
	Members     []member `json:"members"`
}

type member struct {
	Number string `json:"number"`
	UUID   string `json:"uuid"`
}

// contactEntry is one element of the "listContacts" result.
type contactEntry struct {
	Number  string `json:"number"`
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Profile *struct {
		GivenName  string `json:"givenName"`
		FamilyName string `json:"familyName"`
	} `json:"profile,omitempty"`
}
