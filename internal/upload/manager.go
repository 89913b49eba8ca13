package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/store"
)

const (
	// DefaultKeepaliveThreshold is the chunk size below which a request is
	// detached from the caller's cancellation.
	DefaultKeepaliveThreshold = 64 * 1024

	defaultRequestTimeout = 2 * time.Minute
)

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	KeepaliveThreshold int
	RequestTimeout     time.Duration
	Now                func() time.Time
}

// ChunkResult describes what a SendChunk call did to the session.
type ChunkResult struct {
	Advanced  bool  // Persisted offset moved forward
	Completed bool  // Offset reached FileSize and the session was removed
	Discarded bool  // Response arrived after the session was cancelled or replaced
	Offset    int64 // Persisted offset after the call
	Total     int64
}

// Manager drives resumable uploads. It owns every UploadSession record.
type Manager struct {
	store  domain.Store
	sender ChunkSender
	logger *slog.Logger

	keepaliveThreshold int
	requestTimeout     time.Duration
	now                func() time.Time
}

// NewManager creates an upload session manager.
func NewManager(st domain.Store, sender ChunkSender, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KeepaliveThreshold <= 0 {
		opts.KeepaliveThreshold = DefaultKeepaliveThreshold
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:              st,
		sender:             sender,
		logger:             logger,
		keepaliveThreshold: opts.KeepaliveThreshold,
		requestTimeout:     opts.RequestTimeout,
		now:                opts.Now,
	}
}

// Register creates or overwrites the session for uploadID. The record is
// persisted before any network traffic so a crash right after still resumes.
func (m *Manager) Register(ctx context.Context, uploadID, uploadURL string, fileSize, offset int64) (*domain.UploadSession, error) {
	if uploadID == "" || uploadURL == "" || fileSize <= 0 || offset < 0 || offset > fileSize {
		return nil, fmt.Errorf("%w: register %q", domain.ErrMalformedCommand, uploadID)
	}

	sess := &domain.UploadSession{
		UploadID:    uploadID,
		UploadURL:   uploadURL,
		Offset:      offset,
		FileSize:    fileSize,
		LastUpdated: m.now(),
	}
	if err := m.store.Put(ctx, domain.CollectionUploads, sess); err != nil {
		m.logger.Error("failed to persist upload session", "error", err, "uploadID", uploadID)
		return nil, err
	}

	m.logger.Info("upload registered", "uploadID", uploadID, "offset", offset, "fileSize", fileSize)
	return sess, nil
}

// Status returns the persisted session, or nil when there is none.
func (m *Manager) Status(ctx context.Context, uploadID string) (*domain.UploadSession, error) {
	var sess domain.UploadSession
	found, err := m.store.Get(ctx, domain.CollectionUploads, uploadID, &sess)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &sess, nil
}

// List returns every persisted session.
func (m *Manager) List(ctx context.Context) ([]domain.UploadSession, error) {
	return store.All[domain.UploadSession](ctx, m.store, domain.CollectionUploads)
}

// Cancel removes the session regardless of in-flight requests.
// Reports whether a session existed.
func (m *Manager) Cancel(ctx context.Context, uploadID string) (bool, error) {
	existed := false
	err := m.store.Update(ctx, domain.CollectionUploads, uploadID, func(current []byte) ([]byte, error) {
		existed = current != nil
		return nil, nil
	})
	if err != nil {
		m.logger.Error("failed to cancel upload", "error", err, "uploadID", uploadID)
		return false, err
	}
	if existed {
		m.logger.Info("upload cancelled", "uploadID", uploadID)
	}
	return existed, nil
}

// SendChunk sends chunk at the session's confirmed offset and applies the
// server's acknowledged offset. An unknown uploadID is a no-op. A transport
// or protocol failure leaves the persisted offset untouched and is returned
// alongside a not-advanced result; there is no retry here.
func (m *Manager) SendChunk(ctx context.Context, uploadID string, chunk []byte) (ChunkResult, error) {
	sess, err := m.Status(ctx, uploadID)
	if err != nil {
		return ChunkResult{}, err
	}
	if sess == nil {
		m.logger.Debug("chunk for unknown upload ignored", "uploadID", uploadID)
		return ChunkResult{}, nil
	}

	result := ChunkResult{Offset: sess.Offset, Total: sess.FileSize}
	if int64(len(chunk)) > sess.Remaining() {
		return result, fmt.Errorf("%w: chunk of %d bytes exceeds %d remaining", domain.ErrProtocolRejected, len(chunk), sess.Remaining())
	}

	reqCtx := ctx
	if len(chunk) < m.keepaliveThreshold {
		// Small trailing chunks finish even if the page that sent them goes away.
		reqCtx = context.WithoutCancel(ctx)
	}
	reqCtx, cancel := context.WithTimeout(reqCtx, m.requestTimeout)
	defer cancel()

	acked, err := m.sender.SendChunk(reqCtx, sess.UploadURL, sess.Offset, chunk)
	if err != nil {
		m.logger.Warn("chunk not advanced", "uploadID", uploadID, "offset", sess.Offset, "error", err)
		return result, err
	}

	// The server has the bytes; record that even if the caller is gone.
	return m.apply(context.WithoutCancel(ctx), sess, acked)
}

// apply folds an acknowledged offset into the stored session in one transaction.
func (m *Manager) apply(ctx context.Context, sent *domain.UploadSession, acked int64) (ChunkResult, error) {
	result := ChunkResult{Offset: sent.Offset, Total: sent.FileSize}
	var rejectErr error

	err := m.store.Update(ctx, domain.CollectionUploads, sent.UploadID, func(current []byte) ([]byte, error) {
		if current == nil {
			result.Discarded = true
			return nil, nil
		}
		var cur domain.UploadSession
		if err := json.Unmarshal(current, &cur); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", sent.UploadID, err)
		}
		result.Offset, result.Total = cur.Offset, cur.FileSize

		switch {
		case cur.UploadURL != sent.UploadURL:
			result.Discarded = true
			return current, nil
		case acked > cur.FileSize:
			rejectErr = fmt.Errorf("%w: acknowledged offset %d beyond file size %d", domain.ErrProtocolRejected, acked, cur.FileSize)
			return current, nil
		case acked <= cur.Offset:
			return current, nil
		case acked == cur.FileSize:
			result.Advanced, result.Completed, result.Offset = true, true, acked
			return nil, nil
		}

		cur.Offset = acked
		cur.LastUpdated = m.now()
		result.Advanced, result.Offset = true, acked
		return json.Marshal(&cur)
	})
	if err != nil {
		m.logger.Error("failed to persist chunk acknowledgment", "error", err, "uploadID", sent.UploadID)
		return ChunkResult{Offset: sent.Offset, Total: sent.FileSize}, err
	}
	if rejectErr != nil {
		return result, rejectErr
	}

	switch {
	case result.Discarded:
		m.logger.Info("late chunk response discarded", "uploadID", sent.UploadID, "acked", acked)
	case result.Completed:
		m.logger.Info("upload complete", "uploadID", sent.UploadID, "fileSize", result.Total)
	case !result.Advanced:
		m.logger.Warn("acknowledged offset did not advance", "uploadID", sent.UploadID, "acked", acked, "offset", result.Offset)
	}
	return result, nil
}
