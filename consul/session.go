package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Behavior is the session's release behavior (spec §3 "Session").
type Behavior string

const (
	// BehaviorDelete deletes every KV entry the session held when the
	// session ends. The spec fixes this as the only production value
	// (spec §9 Open Question 4): BehaviorRelease is accepted by the wire
	// protocol but never produced by this package.
	BehaviorDelete Behavior = "delete"
	// BehaviorRelease releases (rather than deletes) entries on session end.
	BehaviorRelease Behavior = "release"
)

// Session owns a backend session id with a TTL and release behavior. It is
// single-owner: only one goroutine should call Renew/Destroy on a given
// Session at a time (spec §5 "Session handles are single-owner").
type Session struct {
	client   *Client
	id       string
	ttl      time.Duration
	behavior Behavior
}

// NewSession returns a Session handle bound to client. Call Create before
// Renew or Destroy.
func NewSession(client *Client) *Session {
	return &Session{client: client}
}

// ID returns the current session id, empty before Create succeeds.
func (s *Session) ID() string {
	return s.id
}

type createBody struct {
	TTL      string `json:"TTL"`
	Behavior Behavior
}

type createResponse struct {
	ID string
}

// Create asks the backend for a new session with the given ttl and
// behavior and retains its id.
func (s *Session) Create(ctx context.Context, ttl time.Duration, behavior Behavior) error {
	body, err := json.Marshal(createBody{
		TTL:      fmt.Sprintf("%ds", int(ttl.Seconds())),
		Behavior: behavior,
	})
	if err != nil {
		return err
	}

	res, err := s.client.newRequest(ctx, http.MethodPut).Path("session/create").Body(body).Do()
	if err != nil {
		return err
	}
	if err := res.Err("session-create", http.StatusOK); err != nil {
		return err
	}

	var cr createResponse
	if err := json.Unmarshal(res.Body, &cr); err != nil {
		return fmt.Errorf("consul: decode session-create response: %w", err)
	}

	s.id = cr.ID
	s.ttl = ttl
	s.behavior = behavior
	return nil
}

// Renew keeps the session alive. It returns false if the backend reports
// the session already invalidated (404); any other non-200 status is a
// hard error (spec §4.C).
func (s *Session) Renew(ctx context.Context) (bool, error) {
	res, err := s.client.newRequest(ctx, http.MethodPut).Segments("session", "renew", s.id).Do()
	if err != nil {
		return false, err
	}
	if res.Status == http.StatusNotFound {
		return false, nil
	}
	if err := res.Err("session-renew", http.StatusOK); err != nil {
		return false, err
	}
	return true, nil
}

// Destroy ends the session. It returns the boolean the backend reports;
// destroying an already-gone session is not an error.
func (s *Session) Destroy(ctx context.Context) (bool, error) {
	if s.id == "" {
		return true, nil
	}
	res, err := s.client.newRequest(ctx, http.MethodPut).Segments("session", "destroy", s.id).Do()
	if err != nil {
		return false, err
	}
	if res.Status == http.StatusNotFound {
		return true, nil
	}
	if err := res.Err("session-destroy", http.StatusOK); err != nil {
		return false, err
	}
	return decodeBool(res.Body)
}
