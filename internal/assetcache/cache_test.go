package assetcache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/mmcdole/kinosync/internal/blobcache"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/store"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	content map[string]string
	fail    map[string]error
	gate    chan struct{} // When set, fetches wait for it or ctx
	started chan string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	if f.started != nil {
		f.started <- url
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[url]; err != nil {
		return nil, err
	}
	body, ok := f.content[url]
	if !ok {
		return nil, domain.ErrProtocolRejected
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

// flakyStore fails metadata writes.
type flakyStore struct {
	domain.Store
}

func (flakyStore) Put(context.Context, domain.Collection, domain.Record) error {
	return domain.ErrStoreUnavailable
}

func newTestCache(t *testing.T, f Fetcher) (*Cache, *blobcache.Cache, domain.Store) {
	t.Helper()
	st, err := store.Open("", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	blobs := blobcache.New(afero.NewMemMapFs())
	return NewCache(st, blobs, f, time.Second, adapter.NullLogger()), blobs, st
}

func TestAdd_WritesBlobAndMetadata(t *testing.T) {
	f := &fakeFetcher{content: map[string]string{"http://cdn/v1.mp4": "video-one", "http://cdn/v1.jpg": "thumb"}}
	c, blobs, _ := newTestCache(t, f)
	ctx := context.Background()

	asset, err := c.Add(ctx, domain.CacheVideoPayload{VideoID: "v1", VideoURL: "http://cdn/v1.mp4", ThumbnailURL: "http://cdn/v1.jpg", Caption: "hi"})
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, int64(len("video-one")), asset.Size)
	assert.True(t, c.IsCached("http://cdn/v1.mp4"))
	assert.True(t, blobs.Has("http://cdn/v1.jpg"))

	rc, err := c.Open("http://cdn/v1.mp4")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "video-one", string(data))

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hi", list[0].Caption)
}

func TestAdd_ThumbnailIsBestEffort(t *testing.T) {
	f := &fakeFetcher{content: map[string]string{"http://cdn/v1.mp4": "v"}}
	c, _, _ := newTestCache(t, f)

	asset, err := c.Add(context.Background(), domain.CacheVideoPayload{VideoID: "v1", VideoURL: "http://cdn/v1.mp4", ThumbnailURL: "http://cdn/missing.jpg"})
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.True(t, c.IsCached("http://cdn/v1.mp4"))
}

func TestAdd_FetchFailureWritesNothing(t *testing.T) {
	f := &fakeFetcher{fail: map[string]error{"http://cdn/v1.mp4": domain.ErrServerOffline}}
	c, _, _ := newTestCache(t, f)
	ctx := context.Background()

	_, err := c.Add(ctx, domain.CacheVideoPayload{VideoID: "v1", VideoURL: "http://cdn/v1.mp4"})
	require.ErrorIs(t, err, domain.ErrServerOffline)
	assert.False(t, c.IsCached("http://cdn/v1.mp4"))

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAdd_MetadataFailureRemovesBlob(t *testing.T) {
	f := &fakeFetcher{content: map[string]string{"http://cdn/v1.mp4": "v"}}
	st, err := store.Open("", "")
	require.NoError(t, err)
	defer st.Close()
	blobs := blobcache.New(afero.NewMemMapFs())
	c := NewCache(flakyStore{st}, blobs, f, time.Second, adapter.NullLogger())

	_, err = c.Add(context.Background(), domain.CacheVideoPayload{VideoID: "v1", VideoURL: "http://cdn/v1.mp4"})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.False(t, blobs.Has("http://cdn/v1.mp4"), "payload and metadata are written as a unit")
}

func TestAdd_Validation(t *testing.T) {
	c, _, _ := newTestCache(t, &fakeFetcher{})
	_, err := c.Add(context.Background(), domain.CacheVideoPayload{VideoID: "v1"})
	assert.ErrorIs(t, err, domain.ErrMalformedCommand)
}

func TestRemove_ByIDAndByURL(t *testing.T) {
	f := &fakeFetcher{content: map[string]string{
		"http://cdn/v1-720.mp4": "a", "http://cdn/v1-1080.mp4": "b", "http://cdn/v2.mp4": "c",
	}}
	c, _, _ := newTestCache(t, f)
	ctx := context.Background()

	for _, req := range []domain.CacheVideoPayload{
		{VideoID: "v1", VideoURL: "http://cdn/v1-720.mp4"},
		{VideoID: "v1", VideoURL: "http://cdn/v1-1080.mp4"},
		{VideoID: "v2", VideoURL: "http://cdn/v2.mp4"},
	} {
		_, err := c.Add(ctx, req)
		require.NoError(t, err)
	}

	urls, err := c.Remove(ctx, "v2", "http://cdn/v2.mp4")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://cdn/v2.mp4"}, urls)
	assert.False(t, c.IsCached("http://cdn/v2.mp4"))

	urls, err = c.Remove(ctx, "v1", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"http://cdn/v1-720.mp4", "http://cdn/v1-1080.mp4"}, urls)

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	urls, err = c.Remove(ctx, "ghost", "")
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestRemove_BlobFailureKeepsRecord(t *testing.T) {
	st, err := store.Open("", "")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	base := afero.NewMemMapFs()
	_, err = blobcache.New(base).Put("http://cdn/v1.mp4", strings.NewReader("v"))
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, domain.CollectionAssets, &domain.CachedAsset{VideoID: "v1", VideoURL: "http://cdn/v1.mp4"}))

	c := NewCache(st, blobcache.New(afero.NewReadOnlyFs(base)), &fakeFetcher{}, time.Second, adapter.NullLogger())

	_, err = c.Remove(ctx, "v1", "")
	require.Error(t, err)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1, "record stays while its payload is still on disk")
	assert.True(t, c.IsCached("http://cdn/v1.mp4"))
}

func TestRemove_KeepsSharedThumbnail(t *testing.T) {
	f := &fakeFetcher{content: map[string]string{
		"http://cdn/v1.mp4": "a", "http://cdn/v2.mp4": "b", "http://cdn/show.jpg": "thumb",
	}}
	c, blobs, _ := newTestCache(t, f)
	ctx := context.Background()

	for _, req := range []domain.CacheVideoPayload{
		{VideoID: "v1", VideoURL: "http://cdn/v1.mp4", ThumbnailURL: "http://cdn/show.jpg"},
		{VideoID: "v2", VideoURL: "http://cdn/v2.mp4", ThumbnailURL: "http://cdn/show.jpg"},
	} {
		asset, err := c.Add(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, blobcache.Key("http://cdn/show.jpg"), asset.ThumbnailKey)
	}

	_, err := c.Remove(ctx, "v1", "")
	require.NoError(t, err)
	assert.True(t, blobs.Has("http://cdn/show.jpg"), "v2 still uses the thumbnail")

	_, err = c.Remove(ctx, "v2", "")
	require.NoError(t, err)
	assert.False(t, blobs.Has("http://cdn/show.jpg"))
}

// A crash between committing a payload and recording it leaves an orphan
// blob; the next start removes it along with interrupted writes and records
// whose payload is gone.
func TestReconcile_AfterRestart(t *testing.T) {
	dbDir, blobDir := t.TempDir(), t.TempDir()
	ctx := context.Background()
	f := &fakeFetcher{content: map[string]string{"http://cdn/v1.mp4": "kept"}}

	st, err := store.Open(dbDir, "https://api.example.com")
	require.NoError(t, err)
	blobs, err := blobcache.NewOnDisk(blobDir)
	require.NoError(t, err)
	c := NewCache(st, blobs, f, time.Second, adapter.NullLogger())

	_, err = c.Add(ctx, domain.CacheVideoPayload{VideoID: "v1", VideoURL: "http://cdn/v1.mp4"})
	require.NoError(t, err)
	_, err = blobs.Put("http://cdn/v2.mp4", strings.NewReader("orphan"))
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, domain.CollectionAssets, &domain.CachedAsset{VideoID: "v3", VideoURL: "http://cdn/v3.mp4"}))
	require.NoError(t, os.WriteFile(filepath.Join(blobDir, "partial-42"), []byte("half"), 0644))
	require.NoError(t, st.Close())

	st, err = store.Open(dbDir, "https://api.example.com")
	require.NoError(t, err)
	defer st.Close()
	blobs, err = blobcache.NewOnDisk(blobDir)
	require.NoError(t, err)
	c = NewCache(st, blobs, f, time.Second, adapter.NullLogger())
	require.True(t, c.IsCached("http://cdn/v2.mp4"))

	r, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Reconciled{Orphans: 1, Dangling: 1, Partials: 1}, r)

	assert.False(t, c.IsCached("http://cdn/v2.mp4"))
	assert.True(t, c.IsCached("http://cdn/v1.mp4"))
	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "v1", list[0].VideoID)
	_, err = os.Stat(filepath.Join(blobDir, "partial-42"))
	assert.True(t, os.IsNotExist(err))

	r, err = c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Reconciled{}, r)
}

func TestRemove_DiscardsInFlightAdd(t *testing.T) {
	f := &fakeFetcher{
		content: map[string]string{"http://cdn/v1.mp4": "v"},
		gate:    make(chan struct{}),
		started: make(chan string, 1),
	}
	c, _, _ := newTestCache(t, f)
	ctx := context.Background()

	type outcome struct {
		asset *domain.CachedAsset
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		a, err := c.Add(ctx, domain.CacheVideoPayload{VideoID: "v1", VideoURL: "http://cdn/v1.mp4"})
		done <- outcome{a, err}
	}()
	<-f.started

	// A second request for the same URL while the first runs is a no-op.
	dup, err := c.Add(ctx, domain.CacheVideoPayload{VideoID: "v1", VideoURL: "http://cdn/v1.mp4"})
	require.NoError(t, err)
	assert.Nil(t, dup)

	urls, err := c.Remove(ctx, "v1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://cdn/v1.mp4"}, urls)

	out := <-done
	require.NoError(t, out.err)
	assert.Nil(t, out.asset)
	assert.False(t, c.IsCached("http://cdn/v1.mp4"))

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "late completion must not resurrect the record")
}

func TestList_NewestFirst(t *testing.T) {
	f := &fakeFetcher{content: map[string]string{"a": "1", "b": "2"}}
	c, _, _ := newTestCache(t, f)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	ctx := context.Background()
	_, err := c.Add(ctx, domain.CacheVideoPayload{VideoID: "a", VideoURL: "a"})
	require.NoError(t, err)
	_, err = c.Add(ctx, domain.CacheVideoPayload{VideoID: "b", VideoURL: "b"})
	require.NoError(t, err)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].VideoID)
}

func TestHTTPFetcher_Errors(t *testing.T) {
	f := NewHTTPFetcher(nil)
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/nothing")
	assert.True(t, errors.Is(err, domain.ErrServerOffline))
}
