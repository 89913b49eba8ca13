package page

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mmcdole/kinosync/internal/domain"
)

// ErrUploadCancelled is returned when another page cancels the upload.
var ErrUploadCancelled = errors.New("upload cancelled")

// UploaderOptions tunes the upload driver. Zero values select defaults.
type UploaderOptions struct {
	ChunkSize       int
	ProgressTimeout time.Duration // Wait for a chunk's progress event
	RetryDelay      time.Duration
	MaxAttempts     int // Consecutive chunk attempts without progress
	OnProgress      func(offset, total int64)
}

// Uploader drives a resumable upload from the page side. It asks the
// background service for the confirmed offset, then posts one chunk at a
// time and waits for the resulting progress event.
type Uploader struct {
	client *Client
	opts   UploaderOptions
	logger *slog.Logger
}

// NewUploader creates an upload driver on client.
func NewUploader(client *Client, opts UploaderOptions, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 5 * 1024 * 1024
	}
	if opts.ProgressTimeout <= 0 {
		opts.ProgressTimeout = 2 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Uploader{client: client, opts: opts, logger: logger}
}

// Status asks the background service about uploadID.
func (u *Uploader) Status(ctx context.Context, uploadID string) (domain.UploadStatusPayload, error) {
	var st domain.UploadStatusPayload
	err := u.client.RequestPayload(ctx, domain.CmdGetStatus, domain.UploadRef{UploadID: uploadID}, &st)
	return st, err
}

// Upload sends size bytes of r to uploadURL, resuming from the persisted
// offset when the background service already knows uploadID.
func (u *Uploader) Upload(ctx context.Context, uploadID, uploadURL string, r io.ReaderAt, size int64) error {
	events := make(chan domain.Event, 64)
	unsubscribe := u.client.Subscribe(func(evt domain.Event) {
		select {
		case events <- evt:
		default:
		}
	})
	defer unsubscribe()

	offset, err := u.start(ctx, uploadID, uploadURL, size)
	if err != nil {
		return err
	}

	buf := make([]byte, u.opts.ChunkSize)
	attempts := 0
	for offset < size {
		n := int64(len(buf))
		if remaining := size - offset; remaining < n {
			n = remaining
		}
		if _, err := r.ReadAt(buf[:n], offset); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read at %d: %w", offset, err)
		}

		chunk := append([]byte(nil), buf[:n]...)
		if err := u.client.PostPayload(ctx, domain.CmdUploadChunk, domain.UploadChunkPayload{UploadID: uploadID, Chunk: chunk}); err != nil {
			return err
		}

		next, done, err := u.awaitProgress(ctx, events, uploadID, offset)
		if err != nil {
			return err
		}
		if done {
			u.report(size, size)
			return nil
		}
		if next > offset {
			offset, attempts = next, 0
			u.report(offset, size)
			continue
		}

		attempts++
		if attempts >= u.opts.MaxAttempts {
			return fmt.Errorf("upload %s stalled at %d after %d attempts: %w", uploadID, offset, attempts, domain.ErrServerOffline)
		}
		u.logger.Warn("chunk not acknowledged, retrying", "uploadID", uploadID, "offset", offset, "attempt", attempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.opts.RetryDelay):
		}

		// The background service is the authority on where to resume.
		st, err := u.Status(ctx, uploadID)
		if err != nil {
			return err
		}
		switch st.State {
		case domain.UploadAbsent:
			return ErrUploadCancelled
		default:
			offset = st.Offset
		}
	}
	return nil
}

// start registers the upload unless the background service already has it.
func (u *Uploader) start(ctx context.Context, uploadID, uploadURL string, size int64) (int64, error) {
	statusCtx, cancel := context.WithTimeout(ctx, u.opts.ProgressTimeout)
	defer cancel()

	st, err := u.Status(statusCtx, uploadID)
	if err != nil {
		return 0, fmt.Errorf("query upload status: %w", err)
	}
	if st.State != domain.UploadAbsent {
		u.logger.Info("resuming upload", "uploadID", uploadID, "offset", st.Offset)
		return st.Offset, nil
	}

	err = u.client.PostPayload(ctx, domain.CmdRegisterUpload, domain.RegisterUploadPayload{
		UploadID: uploadID, UploadURL: uploadURL, FileSize: size,
	})
	return 0, err
}

// awaitProgress waits for the outcome of the chunk sent at offset. A timeout
// returns offset unchanged.
func (u *Uploader) awaitProgress(ctx context.Context, events <-chan domain.Event, uploadID string, offset int64) (int64, bool, error) {
	timer := time.NewTimer(u.opts.ProgressTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return offset, false, ctx.Err()
		case <-timer.C:
			return offset, false, nil
		case evt := <-events:
			switch evt.Type {
			case domain.EvtUploadProgress:
				var p domain.UploadProgressPayload
				if evt.Decode(&p) != nil || p.UploadID != uploadID || p.Offset <= offset {
					continue
				}
				return p.Offset, false, nil
			case domain.EvtUploadComplete:
				var p domain.UploadRef
				if evt.Decode(&p) == nil && p.UploadID == uploadID {
					return offset, true, nil
				}
			case domain.EvtUploadCancelled:
				var p domain.UploadRef
				if evt.Decode(&p) == nil && p.UploadID == uploadID {
					return offset, false, ErrUploadCancelled
				}
			}
		}
	}
}

func (u *Uploader) report(offset, total int64) {
	if u.opts.OnProgress != nil {
		u.opts.OnProgress(offset, total)
	}
}
