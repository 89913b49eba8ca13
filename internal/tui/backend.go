package tui

import (
	"context"

	"github.com/mmcdole/kinosync/internal/assetcache"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/page"
)

// Backend is what the dashboard needs from the background service.
type Backend interface {
	Subscribe(fn func(domain.Event)) func()
	ListCached(ctx context.Context) []domain.CachedAsset
	RemoveVideo(ctx context.Context, videoID, videoURL string) error
	PendingActions(ctx context.Context) ([]domain.QueuedAction, error)
	UploadStatus(ctx context.Context, uploadID string) (domain.UploadStatusPayload, error)
	CancelUpload(ctx context.Context, uploadID string) error
	Replay(ctx context.Context) error
}

// PageBackend serves the dashboard over a page client.
type PageBackend struct {
	client *page.Client
	assets *assetcache.Manager
}

// NewPageBackend creates a backend over client and its cache manager.
func NewPageBackend(client *page.Client, assets *assetcache.Manager) *PageBackend {
	return &PageBackend{client: client, assets: assets}
}

func (b *PageBackend) Subscribe(fn func(domain.Event)) func() {
	return b.client.Subscribe(fn)
}

func (b *PageBackend) ListCached(ctx context.Context) []domain.CachedAsset {
	return b.assets.ListCached(ctx)
}

func (b *PageBackend) RemoveVideo(ctx context.Context, videoID, videoURL string) error {
	return b.assets.Remove(ctx, videoID, videoURL)
}

func (b *PageBackend) PendingActions(ctx context.Context) ([]domain.QueuedAction, error) {
	var reply domain.PendingActionsPayload
	if err := b.client.RequestPayload(ctx, domain.CmdGetPendingActions, domain.PendingActionsQuery{}, &reply); err != nil {
		return nil, err
	}
	return reply.Actions, nil
}

func (b *PageBackend) UploadStatus(ctx context.Context, uploadID string) (domain.UploadStatusPayload, error) {
	var reply domain.UploadStatusPayload
	err := b.client.RequestPayload(ctx, domain.CmdGetStatus, domain.UploadRef{UploadID: uploadID}, &reply)
	return reply, err
}

func (b *PageBackend) CancelUpload(ctx context.Context, uploadID string) error {
	return b.client.PostPayload(ctx, domain.CmdCancelUpload, domain.UploadRef{UploadID: uploadID})
}

func (b *PageBackend) Replay(ctx context.Context) error {
	return b.client.PostPayload(ctx, domain.CmdReplayActions, nil)
}
