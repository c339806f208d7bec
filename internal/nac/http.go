package nac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/qodfleet/internal/metrics"
	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of an error response is kept as detail
const maxErrorBody = 512

// HTTPConfig holds HTTP adapter configuration
type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables pacing
	RateBurst int
}

// HTTPClient talks to the network-exposure microservice over HTTP
type HTTPClient struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTPClient creates a new HTTP adapter
func NewHTTPClient(cfg HTTPConfig, logger zerolog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme: %q", base.Scheme)
	}

	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.Timeout
	if client.Timeout == 0 {
		client.Timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  client,
		limiter: limiter,
		logger:  logger.With().Str("component", "nac").Logger(),
	}, nil
}

type statusResponse struct {
	Status       string `json:"status"`
	Connectivity string `json:"connectivity"`
}

type point struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type locationResponse struct {
	point
	Radius *float64 `json:"radius"`
	Area   *struct {
		Center *point   `json:"center"`
		Radius *float64 `json:"radius"`
	} `json:"area"`
	LastLocationTime *time.Time `json:"last_location_time"`
}

type profilesResponse struct {
	Profiles []string `json:"profiles"`
}

type createSessionRequest struct {
	DeviceID string `json:"device_id"`
	Profile  string `json:"profile"`
	Duration int    `json:"duration"`
}

type createSessionResponse struct {
	SessionID string     `json:"session_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// QueryStatus returns the connectivity status of a device
func (c *HTTPClient) QueryStatus(ctx context.Context, phoneNumber string) (storage.DeviceStatus, error) {
	var resp statusResponse
	path := "/device/status/" + url.PathEscape(phoneNumber)
	if err := c.do(ctx, OpQueryStatus, http.MethodGet, path, nil, &resp); err != nil {
		return storage.StatusUnknown, err
	}

	raw := resp.Status
	if raw == "" {
		raw = resp.Connectivity
	}
	return NormalizeStatus(raw), nil
}

// QueryLocation returns the device position, or ErrNoLocationFix
func (c *HTTPClient) QueryLocation(ctx context.Context, phoneNumber string, maxAge time.Duration) (*storage.Location, error) {
	path := "/device/location/" + url.PathEscape(phoneNumber)
	if maxAge > 0 {
		path += "?max_age=" + strconv.Itoa(int(maxAge/time.Second))
	}

	var resp locationResponse
	if err := c.do(ctx, OpQueryLocation, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	// Flat fields take precedence over the CAMARA area shape
	center, radius := resp.point, resp.Radius
	if resp.Area != nil {
		if center.Latitude == nil && resp.Area.Center != nil {
			center = *resp.Area.Center
		}
		if radius == nil {
			radius = resp.Area.Radius
		}
	}
	if center.Latitude == nil || center.Longitude == nil {
		return nil, ErrNoLocationFix
	}

	loc := &storage.Location{
		Latitude:   *center.Latitude,
		Longitude:  *center.Longitude,
		ObservedAt: time.Now().UTC(),
	}
	if radius != nil {
		loc.Radius = *radius
	}
	if resp.LastLocationTime != nil {
		loc.ObservedAt = resp.LastLocationTime.UTC()
	}
	return loc, nil
}

// ListQoDProfiles returns the profile names offered upstream
func (c *HTTPClient) ListQoDProfiles(ctx context.Context) ([]string, error) {
	var resp profilesResponse
	if err := c.do(ctx, OpListProfiles, http.MethodGet, "/qod/profiles", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

// CreateQoDSession requests a new session. Not idempotent.
func (c *HTTPClient) CreateQoDSession(ctx context.Context, phoneNumber, profile string, durationSeconds int) (*SessionGrant, error) {
	req := createSessionRequest{DeviceID: phoneNumber, Profile: profile, Duration: durationSeconds}

	var resp createSessionResponse
	if err := c.do(ctx, OpCreateSession, http.MethodPost, "/qod/sessions", req, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, &Error{Op: OpCreateSession, Kind: ErrRejected, StatusCode: http.StatusOK, Detail: "response carried no session id"}
	}

	grant := &SessionGrant{ID: resp.SessionID}
	if resp.ExpiresAt != nil {
		grant.ExpiresAt = resp.ExpiresAt.UTC()
	}
	return grant, nil
}

// TerminateQoDSession deletes a session. Unknown sessions count as terminated.
func (c *HTTPClient) TerminateQoDSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, OpTerminateSession, http.MethodDelete, "/qod/sessions/"+url.PathEscape(sessionID), nil, nil)

	var nacErr *Error
	if errors.As(err, &nacErr) && (nacErr.StatusCode == http.StatusNotFound || nacErr.StatusCode == http.StatusGone) {
		c.logger.Debug().Str("session_id", sessionID).Int("status", nacErr.StatusCode).Msg("Session already gone upstream")
		return nil
	}
	return err
}

// Health checks the upstream service
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, OpHealth, http.MethodGet, "/health", nil, nil)
}

// do performs a single request and decodes a JSON response into out
func (c *HTTPClient) do(ctx context.Context, op Operation, method, path string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		metrics.UpstreamRequestDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		metrics.UpstreamRequestsTotal.WithLabelValues(string(op), KindName(err)).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Kind: ErrUnreachable, Err: err}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Kind: ErrInvalidRequest, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return &Error{Op: op, Kind: ErrInvalidRequest, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Op: op, Kind: ErrUnreachable, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		nacErr := &Error{
			Op:         op,
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Detail:     readDetail(resp.Body),
		}
		c.logger.Debug().
			Str("operation", string(op)).
			Int("status", resp.StatusCode).
			Str("detail", nacErr.Detail).
			Msg("Upstream returned error")
		return nacErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Kind: ErrRejected, StatusCode: resp.StatusCode, Detail: "malformed response body", Err: err}
	}
	return nil
}

// classifyStatus maps an HTTP error status to an error kind
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrInvalidRequest
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrUnreachable
	default:
		return ErrRejected
	}
}

// readDetail extracts a message from an error body
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var body errorResponse
	if json.Unmarshal(raw, &body) == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// NormalizeStatus maps provider connectivity strings to a DeviceStatus
func NormalizeStatus(raw string) storage.DeviceStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ONLINE", "CONNECTED_DATA", "CONNECTED_SMS", "REACHABLE", "CONNECTED":
		return storage.StatusOnline
	case "OFFLINE", "NOT_CONNECTED", "UNREACHABLE", "DISCONNECTED":
		return storage.StatusOffline
	default:
		return storage.StatusUnknown
	}
}
