package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPConfig contains push-provider client settings
type HTTPConfig struct {
	// BaseURL of the provider's calendar API.
	BaseURL string

	// Token is the bearer token for every request.
	Token string

	// Timeout per request.
	Timeout time.Duration
}

// HTTPClient talks to the push provider's REST surface. Channel IDs are
// generated client-side so a registration that times out after the
// provider committed it can still be cancelled by ID.
type HTTPClient struct {
	config HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

var _ WatchProvider = (*HTTPClient)(nil)

// NewHTTPClient creates a provider client.
func NewHTTPClient(config HTTPConfig) *HTTPClient {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &HTTPClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: log.With().Str("component", "provider").Logger(),
	}
}

type watchRequest struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Address string `json:"address"`
}

type watchResponse struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	// Expiration is milliseconds since epoch, as a string.
	Expiration string `json:"expiration"`
}

type stopRequest struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

type eventAttendee struct {
	Email    string `json:"email"`
	Optional bool   `json:"optional,omitempty"`
}

type eventResource struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Attendees []eventAttendee `json:"attendees"`
	Updated   time.Time       `json:"updated"`
}

type eventListResponse struct {
	Items []eventResource `json:"items"`
}

// Register issues a watch channel for the scope's event collection.
func (c *HTTPClient) Register(ctx context.Context, scope, callbackURL string) (*WatchRegistration, error) {
	body := watchRequest{
		ID:      uuid.New().String(),
		Type:    "web_hook",
		Address: callbackURL,
	}

	var resp watchResponse
	path := fmt.Sprintf("/calendars/%s/events/watch", url.PathEscape(scope))
	if err := c.do(ctx, "register", http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}

	expiryMs, err := strconv.ParseInt(resp.Expiration, 10, 64)
	if err != nil {
		return nil, NewError("register", 0, fmt.Errorf("unparseable expiration %q: %w", resp.Expiration, err))
	}

	reg := &WatchRegistration{
		ID:             resp.ID,
		ResourceHandle: resp.ResourceID,
		ExpiresAt:      time.UnixMilli(expiryMs),
	}

	c.logger.Info().
		Str("id", reg.ID).
		Str("scope", scope).
		Time("expires", reg.ExpiresAt).
		Msg("Watch channel registered")

	return reg, nil
}

// Cancel stops a channel. A 404 means the channel is already gone,
// which callers treat as success in spirit; the error still carries the
// status so they can tell.
func (c *HTTPClient) Cancel(ctx context.Context, id, resourceHandle string) error {
	body := stopRequest{ID: id, ResourceID: resourceHandle}
	return c.do(ctx, "cancel", http.MethodPost, "/channels/stop", nil, body, nil)
}

// ListChangedSince returns events updated after the given instant,
// deletions included.
func (c *HTTPClient) ListChangedSince(ctx context.Context, scope string, since time.Time) ([]*Item, error) {
	query := url.Values{}
	query.Set("updatedMin", since.UTC().Format(time.RFC3339))
	query.Set("showDeleted", "true")
	query.Set("singleEvents", "true")

	var resp eventListResponse
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(scope))
	if err := c.do(ctx, "list_changed", http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(resp.Items))
	for _, ev := range resp.Items {
		items = append(items, toItem(scope, ev))
	}
	return items, nil
}

// GetItem fetches the authoritative state of one event.
func (c *HTTPClient) GetItem(ctx context.Context, scope, id string) (*Item, error) {
	var resp eventResource
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(scope), url.PathEscape(id))
	if err := c.do(ctx, "get_item", http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return toItem(scope, resp), nil
}

// UpdateParticipants patches the event's attendee list.
func (c *HTTPClient) UpdateParticipants(ctx context.Context, scope, id string, participants []Participant) error {
	attendees := make([]eventAttendee, 0, len(participants))
	for _, p := range participants {
		attendees = append(attendees, eventAttendee{Email: p.Email, Optional: p.Optional})
	}
	body := map[string]interface{}{"attendees": attendees}

	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(scope), url.PathEscape(id))
	return c.do(ctx, "update_participants", http.MethodPatch, path, nil, body, nil)
}

func toItem(scope string, ev eventResource) *Item {
	participants := make([]Participant, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		participants = append(participants, Participant{Email: a.Email, Optional: a.Optional})
	}
	return &Item{
		ID:           ev.ID,
		Scope:        scope,
		Status:       ev.Status,
		Participants: participants,
		UpdatedAt:    ev.Updated,
	}
}

// do runs one request and decodes the response into out when non-nil.
// Failures come back as *Error with the upstream status code, or code 0
// for transport-level failures.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return NewError(op, 0, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return NewError(op, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return NewError(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return NewError(op, resp.StatusCode, fmt.Errorf("%s", bytes.TrimSpace(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewError(op, 0, fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}
