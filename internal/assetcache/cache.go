// Package assetcache keeps selected videos playable offline. Cache is the
// background half that fetches and persists; Manager is the page half.
package assetcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mmcdole/kinosync/internal/blobcache"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/store"
)

const defaultFetchTimeout = 5 * time.Minute

// Fetcher retrieves a remote payload.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher fetches payloads with plain GET requests.
type HTTPFetcher struct {
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher. A nil client uses http.DefaultClient;
// Cache bounds each fetch with its own timeout.
func NewHTTPFetcher(httpClient *http.Client) *HTTPFetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPFetcher{httpClient: httpClient}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProtocolRejected, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrServerOffline, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", domain.ErrServerOffline, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d", domain.ErrProtocolRejected, resp.StatusCode)
	}
	return resp.Body, nil
}

// fetch is an Add in progress.
type fetch struct {
	videoID string
	cancel  context.CancelFunc
	removed bool
}

// Cache writes payloads and metadata as a unit.
type Cache struct {
	store        domain.Store
	blobs        *blobcache.Cache
	fetcher      Fetcher
	logger       *slog.Logger
	fetchTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	inflight map[string]*fetch // by video URL
}

// NewCache creates the background asset cache.
func NewCache(st domain.Store, blobs *blobcache.Cache, fetcher Fetcher, fetchTimeout time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &Cache{
		store:        st,
		blobs:        blobs,
		fetcher:      fetcher,
		logger:       logger,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
		inflight:     make(map[string]*fetch),
	}
}

// Add fetches the video (and thumbnail, best-effort) and records it. It
// returns nil without error when a fetch for the same URL is already running
// or when the video was removed before the fetch finished.
func (c *Cache) Add(ctx context.Context, req domain.CacheVideoPayload) (*domain.CachedAsset, error) {
	if !req.Valid() {
		return nil, fmt.Errorf("%w: cache %q", domain.ErrMalformedCommand, req.VideoID)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	c.mu.Lock()
	if _, busy := c.inflight[req.VideoURL]; busy {
		c.mu.Unlock()
		c.logger.Debug("video already being cached", "videoID", req.VideoID)
		return nil, nil
	}
	f := &fetch{videoID: req.VideoID, cancel: cancel}
	c.inflight[req.VideoURL] = f
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.inflight[req.VideoURL] == f {
			delete(c.inflight, req.VideoURL)
		}
		c.mu.Unlock()
	}()

	size, err := c.download(fetchCtx, req.VideoURL)
	if err != nil {
		if c.wasRemoved(f) {
			c.logger.Info("cache fetch abandoned after remove", "videoID", req.VideoID)
			return nil, nil
		}
		c.logger.Warn("failed to cache video", "videoID", req.VideoID, "error", err)
		return nil, err
	}

	asset := &domain.CachedAsset{
		VideoID:      req.VideoID,
		VideoURL:     req.VideoURL,
		ThumbnailURL: req.ThumbnailURL,
		Caption:      req.Caption,
		Size:         size,
		BlobKey:      blobcache.Key(req.VideoURL),
	}
	if req.ThumbnailURL != "" {
		if _, err := c.download(fetchCtx, req.ThumbnailURL); err != nil {
			c.logger.Debug("thumbnail not cached", "videoID", req.VideoID, "error", err)
		} else {
			asset.ThumbnailKey = blobcache.Key(req.ThumbnailURL)
		}
	}
	asset.CachedAt = c.now()

	// Metadata is written under the lock so a concurrent Remove either sees
	// the record or marks this fetch removed first.
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.removed {
		c.discard(context.WithoutCancel(ctx), asset)
		c.logger.Info("late cache completion discarded", "videoID", req.VideoID)
		return nil, nil
	}
	if err := c.store.Put(context.WithoutCancel(ctx), domain.CollectionAssets, asset); err != nil {
		c.discard(context.WithoutCancel(ctx), asset)
		c.logger.Error("failed to record cached video", "videoID", req.VideoID, "error", err)
		return nil, err
	}

	c.logger.Info("video cached", "videoID", asset.VideoID, "size", asset.Size)
	return asset, nil
}

func (c *Cache) download(ctx context.Context, url string) (int64, error) {
	rc, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return c.blobs.Put(url, rc)
}

func (c *Cache) wasRemoved(f *fetch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f.removed
}

// discard drops the payloads of an asset that was never recorded. Caller
// holds c.mu.
func (c *Cache) discard(ctx context.Context, a *domain.CachedAsset) {
	if err := c.deleteBlobs(ctx, a); err != nil {
		c.logger.Warn("failed to delete cached payload", "videoID", a.VideoID, "error", err)
	}
}

// deleteBlobs removes the video payload of a and its thumbnail unless another
// recorded asset still uses it. Caller holds c.mu.
func (c *Cache) deleteBlobs(ctx context.Context, a *domain.CachedAsset) error {
	if err := c.blobs.Delete(a.VideoURL); err != nil {
		return err
	}
	if a.ThumbnailURL == "" || a.ThumbnailURL == a.VideoURL {
		return nil
	}
	shared, err := c.thumbnailShared(ctx, a.ThumbnailURL, a.VideoURL)
	if err != nil {
		return err
	}
	if shared {
		return nil
	}
	return c.blobs.Delete(a.ThumbnailURL)
}

// thumbnailShared reports whether an asset other than videoURL references thumb.
func (c *Cache) thumbnailShared(ctx context.Context, thumb, videoURL string) (bool, error) {
	all, err := store.All[domain.CachedAsset](ctx, c.store, domain.CollectionAssets)
	if err != nil {
		return false, err
	}
	for _, a := range all {
		if a.VideoURL != videoURL && a.ThumbnailURL == thumb {
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes a cached video. An empty videoURL removes every asset
// recorded under videoID. In-flight fetches for the video are cancelled and
// their results discarded. It returns the removed video URLs.
func (c *Cache) Remove(ctx context.Context, videoID, videoURL string) ([]string, error) {
	var targets []domain.CachedAsset
	if videoURL != "" {
		var asset domain.CachedAsset
		found, err := c.store.Get(ctx, domain.CollectionAssets, videoURL, &asset)
		if err != nil {
			return nil, err
		}
		if !found {
			asset = domain.CachedAsset{VideoID: videoID, VideoURL: videoURL}
		}
		targets = append(targets, asset)
	} else {
		all, err := c.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range all {
			if a.VideoID == videoID {
				targets = append(targets, a)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for url, f := range c.inflight {
		if url == videoURL || (videoURL == "" && f.videoID == videoID) {
			f.removed = true
			f.cancel()
			removed = append(removed, url)
		}
	}

	// Payloads go first: a record never outlives its blob.
	for i := range targets {
		a := &targets[i]
		if err := c.deleteBlobs(ctx, a); err != nil {
			c.logger.Error("failed to delete cached payload", "videoID", a.VideoID, "error", err)
			return removed, err
		}
		if err := c.store.Delete(ctx, domain.CollectionAssets, a.VideoURL); err != nil {
			c.logger.Error("failed to remove cached video", "videoID", a.VideoID, "error", err)
			return removed, err
		}
		if !contains(removed, a.VideoURL) {
			removed = append(removed, a.VideoURL)
		}
	}

	c.logger.Info("video removed from cache", "videoID", videoID, "urls", len(removed))
	return removed, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Reconciled counts what Reconcile repaired.
type Reconciled struct {
	Orphans  int // Payloads with no record
	Dangling int // Records whose payload is missing
	Partials int // Temp files from interrupted writes
}

// Reconcile makes the records and payloads agree again after a crash between
// writing a payload and recording it. Records without a payload are deleted,
// payloads no record references are deleted, and interrupted writes are
// swept. It is meant for startup, before any Add runs.
func (c *Cache) Reconcile(ctx context.Context) (Reconciled, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r Reconciled
	assets, err := store.All[domain.CachedAsset](ctx, c.store, domain.CollectionAssets)
	if err != nil {
		return r, err
	}

	keep := make(map[string]bool)
	for _, a := range assets {
		if !c.blobs.Has(a.VideoURL) {
			if err := c.store.Delete(ctx, domain.CollectionAssets, a.VideoURL); err != nil {
				return r, err
			}
			r.Dangling++
			continue
		}
		key := a.BlobKey
		if key == "" {
			key = blobcache.Key(a.VideoURL)
		}
		keep[key] = true
		if a.ThumbnailURL != "" {
			keep[blobcache.Key(a.ThumbnailURL)] = true
		}
	}
	for url := range c.inflight {
		keep[blobcache.Key(url)] = true
	}

	keys, err := c.blobs.Keys()
	if err != nil {
		return r, err
	}
	for _, k := range keys {
		if keep[k] {
			continue
		}
		if err := c.blobs.DeleteKey(k); err != nil {
			return r, err
		}
		r.Orphans++
	}

	if len(c.inflight) == 0 {
		if r.Partials, err = c.blobs.SweepPartials(); err != nil {
			return r, err
		}
	}

	if r != (Reconciled{}) {
		c.logger.Info("asset cache reconciled", "orphans", r.Orphans, "dangling", r.Dangling, "partials", r.Partials)
	}
	return r, nil
}

// List returns cached videos, newest first.
func (c *Cache) List(ctx context.Context) ([]domain.CachedAsset, error) {
	assets, err := store.All[domain.CachedAsset](ctx, c.store, domain.CollectionAssets)
	if err != nil {
		return nil, err
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].CachedAt.After(assets[j].CachedAt) })
	return assets, nil
}

// IsCached reports whether the payload for url is on disk.
func (c *Cache) IsCached(url string) bool {
	return c.blobs.Has(url)
}

// Open returns the cached payload for url.
func (c *Cache) Open(url string) (io.ReadCloser, error) {
	return c.blobs.Open(url)
}
