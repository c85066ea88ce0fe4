package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/cluster"
	"github.com/dreamware/signalhub/internal/primary"
	"github.com/dreamware/signalhub/internal/state"
)

// ConnectionIDHeader names the connection a username is registered against.
const ConnectionIDHeader = "connection-id"

const requestTimeout = 5 * time.Second

// Handler holds the HTTP handlers for the primary's API.
type Handler struct {
	svc     Service
	workers func() []cluster.WorkerStatus
	log     zerolog.Logger
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Error writes an error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, cluster.ErrorResponse{Message: message})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	Error(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, primary.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, primary.ErrStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// UserStatus handles GET /users/status/{username}.
func (h *Handler) UserStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	online, err := h.svc.UserStatus(ctx, chi.URLParam(r, "username"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, cluster.UserStatusResponse{Status: online})
}

// ActiveUsers lists registered users per group. A user in several groups is
// listed under each of them.
func (h *Handler) ActiveUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	users, err := h.svc.Users(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := cluster.ActiveUsersResponse{
		Groups:        make(map[string]cluster.GroupUsers),
		NonGroupUsers: []string{},
	}
	for _, u := range users {
		if u.Groups.Len() == 0 {
			resp.NonGroupUsers = append(resp.NonGroupUsers, u.Username)
			continue
		}
		for _, g := range u.Groups.Sorted() {
			bucket := resp.Groups[g]
			bucket.Users = append(bucket.Users, u.Username)
			resp.Groups[g] = bucket
		}
	}
	JSON(w, http.StatusOK, resp)
}

// ActiveGroups returns one group when groupName is given, otherwise every
// live group.
func (h *Handler) ActiveGroups(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	resp := cluster.ActiveGroupsResponse{Groups: make(map[string]*state.GroupContext)}
	if name := r.URL.Query().Get("groupName"); name != "" {
		g, err := h.svc.Group(ctx, name)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.Groups[g.Name] = g
		JSON(w, http.StatusOK, resp)
		return
	}

	groups, err := h.svc.Groups(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, g := range groups {
		resp.Groups[g.Name] = g
	}
	JSON(w, http.StatusOK, resp)
}

// RegisterGroup handles POST /groups/register, a join or a leave.
func (h *Handler) RegisterGroup(w http.ResponseWriter, r *http.Request) {
	var req cluster.GroupRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.GroupName == "" {
		Error(w, http.StatusBadRequest, "username and groupName are required")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	var err error
	if req.NeedRegister {
		err = h.svc.JoinGroup(ctx, req.Username, req.GroupName)
	} else {
		err = h.svc.LeaveGroup(ctx, req.Username, req.GroupName)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, cluster.GroupRegisterResponse{Username: req.Username, Success: true})
}

// RegisterUser binds or releases a username for the connection named in the
// connection-id header. The owning worker is told through the same messages
// a websocket registration produces.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	connID := r.Header.Get(ConnectionIDHeader)
	if connID == "" {
		Error(w, http.StatusUnprocessableEntity, "connection-id header is required")
		return
	}

	var req cluster.UserRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		Error(w, http.StatusBadRequest, "username is required")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	var err error
	if req.NeedRegister {
		_, err = h.svc.RegisterUser(ctx, state.ConnectionID(connID), req.Username)
	} else {
		err = h.svc.DeregisterUser(ctx, req.Username)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, cluster.UserRegisterResponse{
		Username:     req.Username,
		ConnectionID: connID,
		Success:      true,
	})
}

// Context handles GET /context with the full store snapshot.
func (h *Handler) Context(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	snap, err := h.svc.Snapshot(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Workers handles GET /workers.
func (h *Handler) Workers(w http.ResponseWriter, r *http.Request) {
	workers := []cluster.WorkerStatus{}
	if h.workers != nil {
		workers = append(workers, h.workers()...)
	}
	JSON(w, http.StatusOK, workers)
}
