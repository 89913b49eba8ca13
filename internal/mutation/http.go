package mutation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/kinosync/internal/domain"
)

// Performer sends one mutation to the remote API.
type Performer interface {
	Perform(ctx context.Context, action *domain.QueuedAction, token string) error
}

// HTTPPerformer performs mutations as JSON requests against the API base URL.
type HTTPPerformer struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPPerformer creates a performer. Relative endpoints resolve against baseURL.
func NewHTTPPerformer(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPPerformer {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPPerformer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

func (p *HTTPPerformer) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return p.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// Perform sends the action with token as bearer credential.
func (p *HTTPPerformer) Perform(ctx context.Context, action *domain.QueuedAction, token string) error {
	var body io.Reader
	if len(action.Body) > 0 {
		body = bytes.NewReader(action.Body)
	}

	url := p.resolve(action.Endpoint)
	req, err := http.NewRequestWithContext(ctx, action.Method, url, body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProtocolRejected, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrServerOffline, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	p.logger.Debug("mutation performed", "method", action.Method, "url", url, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.ErrAuthFailed
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrServerOffline, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: status %d", domain.ErrProtocolRejected, resp.StatusCode)
	}
	return nil
}
