package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID accepts identifiers encoded either as JSON strings (UUIDs) or numbers
type ID string

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid id %s: %w", data, err)
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as a plain string
func (id ID) String() string {
	return string(id)
}

// zone-less layouts are what the history service emits for LocalDateTime
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Timestamp decodes RFC3339, zone-less ISO-8601 (as UTC), epoch millis,
// and the [y,m,d,h,m,s,nanos] array form Jackson falls back to.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" || string(data) == `""` {
		t.Time = time.Time{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed.UTC()
				return nil
			}
		}
		return fmt.Errorf("invalid timestamp %q", s)

	case '[':
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		if len(parts) < 3 {
			return fmt.Errorf("invalid timestamp %s: need at least year, month, day", data)
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		t.Time = time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC)
		return nil

	default:
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
}

// MarshalJSON implements json.Marshaler
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Wire is the union of every frame shape the backends produce.
//
// History rows use {chatId, messageId, userId, messageContent, messageSent, messageTime};
// live broadcasts use {chatId, messageId, sender, receiver, message, receiverName, messageTime}.
// The conversationId/senderId/content/timestamp/sentAt aliases are accepted as well.
type Wire struct {
	MessageID      ID `json:"messageId,omitempty"`
	ChatID         ID `json:"chatId,omitempty"`
	ConversationID ID `json:"conversationId,omitempty"`

	SenderID ID `json:"senderId,omitempty"`
	Sender   ID `json:"sender,omitempty"`
	UserID   ID `json:"userId,omitempty"`
	Receiver ID `json:"receiver,omitempty"`

	Content        string `json:"content,omitempty"`
	MessageContent string `json:"messageContent,omitempty"`
	Message        string `json:"message,omitempty"`

	// MessageSent carries the sender's display name in the history shape
	MessageSent  string `json:"messageSent,omitempty"`
	SenderName   string `json:"senderName,omitempty"`
	ReceiverName string `json:"receiverName,omitempty"`

	SentAt      *Timestamp `json:"sentAt,omitempty"`
	Timestamp   *Timestamp `json:"timestamp,omitempty"`
	MessageTime *Timestamp `json:"messageTime,omitempty"`
}

// Normalize folds the field aliases of w into a Message.
// received stamps messages that carry no timestamp at all.
func Normalize(w Wire, received time.Time) (Message, error) {
	m := Message{
		ID:             w.MessageID.String(),
		ConversationID: firstNonEmpty(w.ConversationID.String(), w.ChatID.String()),
		SenderID:       firstNonEmpty(w.SenderID.String(), w.Sender.String(), w.UserID.String()),
		SenderName:     firstNonEmpty(w.SenderName, w.MessageSent),
		Content:        firstNonEmpty(w.Content, w.MessageContent, w.Message),
		ReceivedAt:     received.UTC(),
	}

	for _, ts := range []*Timestamp{w.SentAt, w.Timestamp, w.MessageTime} {
		if ts != nil && !ts.IsZero() {
			m.SentAt = ts.Time
			break
		}
	}
	if m.SentAt.IsZero() {
		m.SentAt = received.UTC()
	}

	if m.ConversationID == "" {
		return Message{}, fmt.Errorf("%w: missing conversation id", ErrMalformed)
	}
	if m.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing sender", ErrMalformed)
	}

	return m, nil
}

// Parse decodes a single JSON frame into a Message
func Parse(data []byte, received time.Time) (Message, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Normalize(w, received)
}

// Outgoing builds the frame the messaging service accepts for a new message.
// Both the backend field names and the canonical aliases are populated.
func Outgoing(conversationID, senderID, senderName, content string) Wire {
	return Wire{
		ChatID:         ID(conversationID),
		ConversationID: ID(conversationID),
		UserID:         ID(senderID),
		SenderID:       ID(senderID),
		MessageContent: content,
		Content:        content,
		MessageSent:    senderName,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
