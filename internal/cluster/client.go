package cluster

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/dreamware/signalhub/internal/state"
)

// APIPrefix is the mount point of the primary's query API.
const APIPrefix = "/api/v1"

// Client calls the primary's query API.
type Client struct {
	base string
}

// NewClient returns a client for the primary at base, e.g.
// "http://127.0.0.1:9191".
func NewClient(base string) *Client {
	return &Client{base: strings.TrimRight(base, "/") + APIPrefix}
}

// UserStatus reports whether username is registered.
func (c *Client) UserStatus(ctx context.Context, username string) (bool, error) {
	var out UserStatusResponse
	err := GetJSON(ctx, c.base+"/users/status/"+url.PathEscape(username), &out)
	return out.Status, err
}

// ActiveUsers returns registered users bucketed by group.
func (c *Client) ActiveUsers(ctx context.Context) (*ActiveUsersResponse, error) {
	var out ActiveUsersResponse
	if err := GetJSON(ctx, c.base+"/users/active", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveGroups returns every group, or only groupName when it is non-empty.
func (c *Client) ActiveGroups(ctx context.Context, groupName string) (*ActiveGroupsResponse, error) {
	u := c.base + "/groups/users/active"
	if groupName != "" {
		u += "?groupName=" + url.QueryEscape(groupName)
	}
	var out ActiveGroupsResponse
	if err := GetJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterGroup joins or leaves a group.
func (c *Client) RegisterGroup(ctx context.Context, req GroupRegisterRequest) (*GroupRegisterResponse, error) {
	var out GroupRegisterResponse
	if err := PostJSON(ctx, c.base+"/groups/register", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterUser binds or releases a username for connectionID.
func (c *Client) RegisterUser(ctx context.Context, connectionID string, req UserRegisterRequest) (*UserRegisterResponse, error) {
	header := http.Header{}
	header.Set("connection-id", connectionID)
	var out UserRegisterResponse
	if err := PostJSON(ctx, c.base+"/users/register", header, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workers lists attached workers with their health.
func (c *Client) Workers(ctx context.Context) ([]WorkerStatus, error) {
	var out []WorkerStatus
	if err := GetJSON(ctx, c.base+"/workers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Context returns the primary's debug snapshot.
func (c *Client) Context(ctx context.Context) (*state.Snapshot, error) {
	var out state.Snapshot
	if err := GetJSON(ctx, c.base+"/context", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
