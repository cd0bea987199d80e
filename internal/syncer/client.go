package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agentworkforce/skillsync/internal/badges"
	"github.com/agentworkforce/skillsync/internal/progress"
)

var ErrTransferFailed = errors.New("header transfer failed")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type AuthStatus struct {
	SignedIn bool              `json:"signedIn"`
	Profile  *progress.Profile `json:"profile,omitempty"`
}

func (a AuthStatus) UserID() string {
	if a.Profile == nil {
		return ""
	}
	return strings.TrimSpace(a.Profile.ID)
}

// Backend is everything the orchestrator consumes from the account service.
type Backend interface {
	AuthStatus(ctx context.Context) (AuthStatus, error)
	TransferLocalWork(ctx context.Context, headerIDs []string) (progress.HeaderMapping, error)
	badges.Backend
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) AuthStatus(ctx context.Context) (AuthStatus, error) {
	var status AuthStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/auth/status", nil, &status)
	return status, err
}

func (c *HTTPClient) TransferLocalWork(ctx context.Context, headerIDs []string) (progress.HeaderMapping, error) {
	var resp struct {
		HeaderMap map[string]string `json:"headerMap"`
	}
	body := map[string]any{"headerIds": headerIDs}
	if err := c.doJSON(ctx, http.MethodPost, "/api/projects/transfer", body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return progress.HeaderMapping(resp.HeaderMap), nil
}

func (c *HTTPClient) FetchBadgeState(ctx context.Context) (*progress.BadgeState, error) {
	var state *progress.BadgeState
	if err := c.doJSON(ctx, http.MethodGet, "/api/user/badges", nil, &state); err != nil {
		return nil, err
	}
	return state, nil
}

func (c *HTTPClient) GrantBadges(ctx context.Context, newBadges, alreadyGranted []progress.Badge) error {
	body := map[string]any{
		"badges":         newBadges,
		"alreadyGranted": alreadyGranted,
	}
	// A grant the server applied but whose response was lost must not be
	// resent blindly; the coordinator re-diffs on the next change instead.
	return c.doJSONWithRetries(ctx, http.MethodPost, "/api/user/badges/grant", body, nil, 0)
}

func (c *HTTPClient) FetchUserPreferences(ctx context.Context) (*progress.Preferences, error) {
	var prefs *progress.Preferences
	if err := c.doJSON(ctx, http.MethodGet, "/api/user/preferences", nil, &prefs); err != nil {
		return nil, err
	}
	return prefs, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	return c.doJSONWithRetries(ctx, method, requestPath, body, out, c.maxRetries)
}

func (c *HTTPClient) doJSONWithRetries(ctx context.Context, method, requestPath string, body any, out any, maxRetries uint64) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.MaxInterval = c.maxDelay
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	operation := func() error {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payload)) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if wait := c.retryAfter(resp.Header.Get("Retry-After")); wait > 0 {
				if err := waitWithContext(ctx, wait); err != nil {
					return backoff.Permanent(err)
				}
			}
			return httpErr
		}
		return backoff.Permanent(httpErr)
	}
	return backoff.Retry(operation, policy)
}

func (c *HTTPClient) retryAfter(header string) time.Duration {
	wait := parseRetryAfter(header)
	if wait > c.maxDelay {
		return c.maxDelay
	}
	return wait
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
