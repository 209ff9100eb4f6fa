package message

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed is returned when a payload cannot be turned into a Message
var ErrMalformed = errors.New("malformed message")

// Message is the canonical chat message every ingestion boundary produces
type Message struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`

	// ReceivedAt is when this client decoded the message; zero for local entries.
	// Unlike SentAt it is on the local clock.
	ReceivedAt time.Time `json:"-"`

	// ClientID is set on locally authored messages so the echo can be matched
	ClientID string `json:"-"`
	Pending  bool   `json:"-"`
}

// Key returns the stable identity of a message.
// Backend-assigned ids win; otherwise the key is a hash of the visible fields.
func (m Message) Key() string {
	if m.Pending && m.ClientID != "" {
		return "client:" + m.ClientID
	}
	if m.ID != "" {
		return "id:" + m.ID
	}

	h := sha256.New()
	h.Write([]byte(m.ConversationID))
	h.Write([]byte{0})
	h.Write([]byte(m.SenderID))
	h.Write([]byte{0})
	h.Write([]byte(m.Content))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(m.SentAt.UnixMilli(), 10)))
	return "h:" + hex.EncodeToString(h.Sum(nil))
}

// EchoKey identifies the echo of a locally sent message, ignoring time and id
func (m Message) EchoKey() string {
	return fmt.Sprintf("%s|%s|%s", m.ConversationID, m.SenderID, m.Content)
}

// SentBy reports whether the message was authored by userID
func (m Message) SentBy(userID string) bool {
	return userID != "" && m.SenderID == userID
}
