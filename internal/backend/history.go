package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"Messenger/internal/message"
)

// historyTimeLayout is the ISO-8601 form the history service parses for from/to
const historyTimeLayout = "2006-01-02T15:04:05.000Z"

type participantsResponse struct {
	ChatID  message.ID   `json:"chatId"`
	UserIDs []message.ID `json:"userIds"`
}

// ChatIDs lists the conversation ids userID participates in
func (c *Client) ChatIDs(ctx context.Context, userID string) ([]string, error) {
	var resp []message.ID
	err := c.do(ctx, request{
		op:     "history.chat_ids",
		method: http.MethodGet,
		path:   "/history/user/" + url.PathEscape(userID) + "/chats",
	}, &resp)
	if err != nil {
		return nil, err
	}
	return idStrings(resp), nil
}

// Participants lists the user ids in a conversation
func (c *Client) Participants(ctx context.Context, chatID string) ([]string, error) {
	var resp participantsResponse
	err := c.do(ctx, request{
		op:     "history.participants",
		method: http.MethodGet,
		path:   "/history/chat/" + url.PathEscape(chatID) + "/participants",
	}, &resp)
	if err != nil {
		return nil, err
	}
	return idStrings(resp.UserIDs), nil
}

// ChatID returns the conversation shared by two users, creating it server-side if needed
func (c *Client) ChatID(ctx context.Context, userID, otherUserID string) (string, error) {
	var resp message.ID
	err := c.do(ctx, request{
		op:     "history.chat_id",
		method: http.MethodGet,
		path:   "/history/chat",
		query:  url.Values{"userId1": {userID}, "userId2": {otherUserID}},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp == "" {
		return "", fmt.Errorf("history.chat_id: empty conversation id")
	}
	return resp.String(), nil
}

// Messages fetches the messages of chatID sent within [from, to].
// Rows that fail normalization are skipped and logged.
func (c *Client) Messages(ctx context.Context, chatID string, from, to time.Time) ([]message.Message, error) {
	var rows []json.RawMessage
	err := c.do(ctx, request{
		op:     "history.messages",
		method: http.MethodGet,
		path:   "/history/messages",
		query: url.Values{
			"chatId": {chatID},
			"from":   {from.UTC().Format(historyTimeLayout)},
			"to":     {to.UTC().Format(historyTimeLayout)},
		},
	}, &rows)
	if err != nil {
		return nil, err
	}

	received := time.Now()
	messages := make([]message.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := message.Parse(row, received)
		if err != nil {
			c.logger.Warn("skipping malformed history row", "chat_id", chatID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func idStrings(ids []message.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id.String())
		}
	}
	return out
}
