// Package graph implements a Provider that relays captured messages through the
// Microsoft Graph sendMail endpoint, submitting the raw MIME content.
package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/bumsink/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox the message is sent as.
	Sender string
}

// GraphProvider relays messages via the Graph API using OAuth2 client
// credentials.
type GraphProvider struct {
	sendURL    string
	httpClient *http.Client
	tokens     *tokenSource
	retryDelay time.Duration
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	client := &http.Client{Timeout: 30 * time.Second}
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	sendURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", cfg.Sender)
	return newWithEndpoints(cfg, sendURL, tokenURL, client)
}

// newWithEndpoints creates a GraphProvider against custom endpoints, used for testing.
func newWithEndpoints(cfg GraphProviderConfig, sendURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sendURL:    sendURL,
		httpClient: client,
		tokens:     newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retryDelay: baseRetryDelay,
	}
}

// Send posts the captured MIME content, base64 encoded, to sendMail. Transient
// failures are retried with exponential backoff, HTTP 429 honours Retry-After
// and a single HTTP 401 triggers a token refresh.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Email) error {
	payload := base64.StdEncoding.EncodeToString(msg.Raw)

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := g.post(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *sendError
		if !errors.As(err, &se) {
			return err
		}

		var delay time.Duration
		switch {
		case se.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			g.tokens.Invalidate()
			tokenRefreshed = true
			continue
		case se.statusCode == http.StatusTooManyRequests:
			delay = g.retryAfterDelay(se.retryAfter, attempt)
		case se.transient:
			delay = backoffDelay(g.retryDelay, attempt)
		default:
			return se
		}

		slog.Info("transient Graph API error, retrying",
			"status", se.statusCode,
			"delay", delay,
			"message_id", msg.ID,
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// post performs a single sendMail request.
func (g *GraphProvider) post(ctx context.Context, payload string) error {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	message := string(body)

	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	return classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// sendError is a failed sendMail call, classified for retry decisions.
type sendError struct {
	message    string
	statusCode int
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError marks 401, 429 and 5xx responses as transient.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	return &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
		transient: statusCode == http.StatusUnauthorized ||
			statusCode == http.StatusTooManyRequests ||
			statusCode >= 500,
	}
}

// retryAfterDelay parses a Retry-After value in seconds, falling back to
// exponential backoff.
func (g *GraphProvider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return backoffDelay(g.retryDelay, attempt)
}

// backoffDelay returns base doubled attempt times.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
