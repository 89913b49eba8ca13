package assetcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/kinosync/internal/blobcache"
	"github.com/mmcdole/kinosync/internal/domain"
)

const defaultListTimeout = 3 * time.Second

// Page is the slice of a page client the manager needs.
type Page interface {
	PostPayload(ctx context.Context, t domain.CommandType, payload any) error
	RequestPayload(ctx context.Context, t domain.CommandType, payload, dest any) error
	Subscribe(fn func(domain.Event)) func()
}

// Change tells listeners that a video entered or left the offline cache.
type Change struct {
	VideoID  string
	VideoURL string
	Cached   bool
}

// Registry maps video ids to change listeners for one page.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]map[int]func(Change)
	nextID int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[int]func(Change))}
}

// Add registers cb for videoID and returns a function that removes it.
func (r *Registry) Add(videoID string, cb func(Change)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	if r.subs[videoID] == nil {
		r.subs[videoID] = make(map[int]func(Change))
	}
	r.subs[videoID][id] = cb

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[videoID], id)
		if len(r.subs[videoID]) == 0 {
			delete(r.subs, videoID)
		}
	}
}

// Notify calls every listener of c.VideoID.
func (r *Registry) Notify(c Change) {
	r.mu.Lock()
	cbs := make([]func(Change), 0, len(r.subs[c.VideoID]))
	for _, cb := range r.subs[c.VideoID] {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(c)
	}
}

// Len returns the number of videos with listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Manager is the page-side handle on the offline cache. Each page owns one.
type Manager struct {
	page        Page
	blobs       *blobcache.Cache
	registry    *Registry
	listTimeout time.Duration
	logger      *slog.Logger
	unsubscribe func()
}

// NewManager creates a manager for page. blobs is the same binary cache the
// background service writes to; it is only read here.
func NewManager(page Page, blobs *blobcache.Cache, listTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if listTimeout <= 0 {
		listTimeout = defaultListTimeout
	}
	m := &Manager{
		page:        page,
		blobs:       blobs,
		registry:    NewRegistry(),
		listTimeout: listTimeout,
		logger:      logger,
	}
	m.unsubscribe = page.Subscribe(m.onEvent)
	return m
}

func (m *Manager) onEvent(evt domain.Event) {
	var cached bool
	switch evt.Type {
	case domain.EvtVideoCached:
		cached = true
	case domain.EvtVideoRemoved:
		cached = false
	default:
		return
	}

	var ref domain.VideoRef
	if err := evt.Decode(&ref); err != nil {
		m.logger.Debug("bad cache event", "type", evt.Type, "error", err)
		return
	}
	m.registry.Notify(Change{VideoID: ref.VideoID, VideoURL: ref.VideoURL, Cached: cached})
}

// Cache asks the background service to make a video available offline.
// It returns once the request is posted; completion arrives via OnChange.
func (m *Manager) Cache(ctx context.Context, videoID, videoURL, thumbnailURL, caption string) error {
	return m.page.PostPayload(ctx, domain.CmdCacheVideo, domain.CacheVideoPayload{
		VideoID:      videoID,
		VideoURL:     videoURL,
		ThumbnailURL: thumbnailURL,
		Caption:      caption,
	})
}

// Remove asks the background service to drop a cached video. An empty
// videoURL removes every cached copy of videoID.
func (m *Manager) Remove(ctx context.Context, videoID, videoURL string) error {
	return m.page.PostPayload(ctx, domain.CmdRemoveVideo, domain.VideoRef{VideoID: videoID, VideoURL: videoURL})
}

// IsCached reports whether the payload for videoURL is on disk.
func (m *Manager) IsCached(videoURL string) bool {
	return m.blobs.Has(videoURL)
}

// LocalPath returns the on-disk file holding videoURL's payload.
func (m *Manager) LocalPath(videoURL string) (string, bool) {
	return m.blobs.LocalPath(videoURL)
}

// ListCached returns cached videos. When the background service does not
// answer within the list timeout the result is empty, not an error.
func (m *Manager) ListCached(ctx context.Context) []domain.CachedAsset {
	ctx, cancel := context.WithTimeout(ctx, m.listTimeout)
	defer cancel()

	var reply domain.CachedVideosPayload
	if err := m.page.RequestPayload(ctx, domain.CmdGetCachedVideos, nil, &reply); err != nil {
		m.logger.Warn("cached video list unavailable", "error", err)
		return []domain.CachedAsset{}
	}
	if reply.Videos == nil {
		return []domain.CachedAsset{}
	}
	return reply.Videos
}

// OnChange registers cb for cache changes of videoID.
func (m *Manager) OnChange(videoID string, cb func(Change)) func() {
	return m.registry.Add(videoID, cb)
}

// Close stops listening for cache events.
func (m *Manager) Close() {
	m.unsubscribe()
}
