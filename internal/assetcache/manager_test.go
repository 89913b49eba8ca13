package assetcache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/mmcdole/kinosync/internal/assetcache"
	"github.com/mmcdole/kinosync/internal/background"
	"github.com/mmcdole/kinosync/internal/blobcache"
	"github.com/mmcdole/kinosync/internal/bus"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/mutation"
	"github.com/mmcdole/kinosync/internal/page"
	"github.com/mmcdole/kinosync/internal/store"
	"github.com/mmcdole/kinosync/internal/upload"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*assetcache.Manager, *background.Service, string) {
	t.Helper()
	logger := adapter.NullLogger()

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload" + r.URL.Path))
	}))
	t.Cleanup(cdn.Close)

	st, err := store.Open("", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	blobs := blobcache.New(afero.NewMemMapFs())
	svc := background.New(
		upload.NewManager(st, upload.NewTusClient(nil, logger), logger, upload.Options{}),
		mutation.NewQueue(st, mutation.NewHTTPPerformer(cdn.URL, nil, logger), nil, nil, nil, logger),
		assetcache.NewCache(st, blobs, assetcache.NewHTTPFetcher(nil), 0, logger),
		bus.NewHub(logger),
		logger,
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := page.New(svc.Attach(64), logger)
	t.Cleanup(func() { _ = client.Close() })
	m := assetcache.NewManager(client, blobs, time.Second, logger)
	t.Cleanup(m.Close)
	return m, svc, cdn.URL
}

func awaitChange(t *testing.T, ch <-chan assetcache.Change) assetcache.Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no cache change delivered")
		return assetcache.Change{}
	}
}

// Caching two videos and removing one leaves only the other listed.
func TestListCached_IncludeExclude(t *testing.T) {
	m, _, cdn := setup(t)
	ctx := context.Background()

	changes := make(chan assetcache.Change, 8)
	for _, id := range []string{"a", "b"} {
		m.OnChange(id, func(c assetcache.Change) { changes <- c })
	}

	require.NoError(t, m.Cache(ctx, "a", cdn+"/a.mp4", "", "first"))
	require.NoError(t, m.Cache(ctx, "b", cdn+"/b.mp4", "", "second"))
	awaitChange(t, changes)
	awaitChange(t, changes)

	assert.True(t, m.IsCached(cdn+"/a.mp4"))
	assert.True(t, m.IsCached(cdn+"/b.mp4"))

	require.NoError(t, m.Remove(ctx, "a", cdn+"/a.mp4"))
	c := awaitChange(t, changes)
	assert.Equal(t, assetcache.Change{VideoID: "a", VideoURL: cdn + "/a.mp4", Cached: false}, c)

	list := m.ListCached(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].VideoID)
	assert.False(t, m.IsCached(cdn+"/a.mp4"))
}

func TestOnChange_Unsubscribe(t *testing.T) {
	m, _, cdn := setup(t)
	ctx := context.Background()

	changes := make(chan assetcache.Change, 4)
	stop := m.OnChange("v", func(c assetcache.Change) { changes <- c })

	require.NoError(t, m.Cache(ctx, "v", cdn+"/v.mp4", "", ""))
	assert.True(t, awaitChange(t, changes).Cached)

	stop()
	require.NoError(t, m.Remove(ctx, "v", ""))
	select {
	case c := <-changes:
		t.Fatalf("unexpected change after unsubscribe: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

// silentPage never answers requests.
type silentPage struct{}

func (silentPage) PostPayload(context.Context, domain.CommandType, any) error { return nil }
func (silentPage) Subscribe(func(domain.Event)) func() { return func() {} }
func (silentPage) RequestPayload(ctx context.Context, _ domain.CommandType, _, _ any) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestListCached_TimeoutYieldsEmpty(t *testing.T) {
	m := assetcache.NewManager(silentPage{}, blobcache.New(afero.NewMemMapFs()), 50*time.Millisecond, adapter.NullLogger())
	defer m.Close()

	start := time.Now()
	list := m.ListCached(context.Background())
	assert.NotNil(t, list)
	assert.Empty(t, list)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistry(t *testing.T) {
	r := assetcache.NewRegistry()
	var got []assetcache.Change
	stopA := r.Add("a", func(c assetcache.Change) { got = append(got, c) })
	r.Add("b", func(c assetcache.Change) { got = append(got, c) })
	assert.Equal(t, 2, r.Len())

	r.Notify(assetcache.Change{VideoID: "a", Cached: true})
	r.Notify(assetcache.Change{VideoID: "zzz", Cached: true})
	require.Len(t, got, 1)

	stopA()
	assert.Equal(t, 1, r.Len())
	r.Notify(assetcache.Change{VideoID: "a"})
	assert.Len(t, got, 1)
}
