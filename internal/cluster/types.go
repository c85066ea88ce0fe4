package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/signalhub/internal/state"
)

// WorkerInfo identifies a worker attached to the primary.
type WorkerInfo struct {
	ID   int    `json:"id"`
	Addr string `json:"addr"`
}

// WorkerStatus is a WorkerInfo annotated with health-check results.
type WorkerStatus struct {
	WorkerInfo
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastHealthy      time.Time `json:"lastHealthy,omitempty"`
}

// UserStatusResponse answers GET /users/status/{username}.
type UserStatusResponse struct {
	Status bool `json:"status"`
}

// GroupUsers lists the usernames in one group.
type GroupUsers struct {
	Users []string `json:"users"`
}

// ActiveUsersResponse lists every registered user, bucketed by group.
// Users in no group are listed under NonGroupUsers.
type ActiveUsersResponse struct {
	Groups        map[string]GroupUsers `json:"groups"`
	NonGroupUsers []string              `json:"nonGroupUsers"`
}

// ActiveGroupsResponse maps group names to their records.
type ActiveGroupsResponse struct {
	Groups map[string]*state.GroupContext `json:"groups"`
}

// UserRegisterRequest is posted with a "connection-id" header naming the
// connection the username is bound to.
type UserRegisterRequest struct {
	Username     string `json:"username"`
	NeedRegister bool   `json:"needRegister"`
}

// UserRegisterResponse answers POST /users/register.
type UserRegisterResponse struct {
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId"`
	Success      bool   `json:"success"`
}

// GroupRegisterRequest joins or leaves a group, as NeedRegister says.
type GroupRegisterRequest struct {
	Username     string `json:"username"`
	GroupName    string `json:"groupName"`
	NeedRegister bool   `json:"needRegister"`
}

// GroupRegisterResponse answers POST /groups/register.
type GroupRegisterResponse struct {
	Username string `json:"username"`
	Success  bool   `json:"success"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// HTTPError is returned by PostJSON and GetJSON for non-2xx responses.
type HTTPError struct {
	URL        string
	StatusCode int
	Message    string
}

// Error includes the server's message when it sent one.
func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Message)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON and decodes the response into out when out is
// non-nil. Extra headers are set on the request as given.
func PostJSON(ctx context.Context, url string, header http.Header, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		herr := &HTTPError{URL: req.URL.String(), StatusCode: resp.StatusCode}
		var body ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			herr.Message = body.Message
		}
		return herr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
