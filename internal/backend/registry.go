package backend

import (
	"context"
	"net/http"
	"net/url"

	"Messenger/internal/message"
)

// Assignment is the messaging-service instance the registry assigned to a user
type Assignment struct {
	ServiceID string
	Address   string
}

type assignmentResponse struct {
	ServiceID message.ID `json:"serviceId"`
	Address   string     `json:"address"`
}

// Assignment asks the registry which messaging instance serves userID
func (c *Client) Assignment(ctx context.Context, userID string) (Assignment, error) {
	var resp assignmentResponse
	err := c.do(ctx, request{
		op:     "registry.assignment",
		method: http.MethodGet,
		path:   "/registry/user/" + url.PathEscape(userID),
	}, &resp)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{ServiceID: resp.ServiceID.String(), Address: resp.Address}, nil
}
