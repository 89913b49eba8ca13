package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mmcdole/kinosync/internal/domain"
)

const (
	defaultTimeout = 60 * time.Second
	tusVersion     = "1.0.0"
	contentType    = "application/offset+octet-stream"
	userAgent      = "kinosync/1.0"
)

// ChunkSender delivers one chunk and returns the server's acknowledged offset.
type ChunkSender interface {
	SendChunk(ctx context.Context, uploadURL string, offset int64, chunk []byte) (int64, error)
}

// TusClient speaks the PATCH half of the tus resumable upload protocol.
type TusClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTusClient creates a tus client. A nil httpClient gets a default with a timeout.
func NewTusClient(httpClient *http.Client, logger *slog.Logger) *TusClient {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &TusClient{httpClient: httpClient, logger: logger}
}

// SendChunk PATCHes chunk at offset. Transport failures map to
// domain.ErrServerOffline, 4xx responses to domain.ErrProtocolRejected.
func (c *TusClient) SendChunk(ctx context.Context, uploadURL string, offset int64, chunk []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = int64(len(chunk))

	c.logger.Debug("tus patch", "url", uploadURL, "offset", offset, "bytes", len(chunk))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		c.logger.Warn("tus patch failed", "url", uploadURL, "error", err)
		return 0, fmt.Errorf("%w: %v", domain.ErrServerOffline, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, domain.ErrAuthFailed
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("%w: status %d", domain.ErrServerOffline, resp.StatusCode)
	case resp.StatusCode >= 400:
		return 0, fmt.Errorf("%w: status %d", domain.ErrProtocolRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return 0, fmt.Errorf("%w: unexpected status %d", domain.ErrProtocolRejected, resp.StatusCode)
	}

	return c.parseOffset(resp.Header.Get("Upload-Offset"), uploadURL), nil
}

// parseOffset reads the acknowledged offset. A missing or unparsable header
// reads as 0; the manager refuses to apply it as a rewind.
func (c *TusClient) parseOffset(header, uploadURL string) int64 {
	if header == "" {
		c.logger.Warn("tus response without Upload-Offset", "url", uploadURL)
		return 0
	}
	n, err := strconv.ParseInt(header, 10, 64)
	if err != nil || n < 0 {
		c.logger.Warn("tus response with bad Upload-Offset", "url", uploadURL, "value", header)
		return 0
	}
	return n
}
