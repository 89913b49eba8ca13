package page

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/mmcdole/kinosync/internal/assetcache"
	"github.com/mmcdole/kinosync/internal/background"
	"github.com/mmcdole/kinosync/internal/blobcache"
	"github.com/mmcdole/kinosync/internal/bus"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/mutation"
	"github.com/mmcdole/kinosync/internal/store"
	"github.com/mmcdole/kinosync/internal/upload"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tusSink stores uploaded bytes at the offsets the client claims.
type tusSink struct {
	mu   sync.Mutex
	data []byte
}

func (s *tusSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	offset, _ := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)

	s.mu.Lock()
	defer s.mu.Unlock()
	if offset != int64(len(s.data)) {
		w.Header().Set("Upload-Offset", strconv.Itoa(len(s.data)))
		w.WriteHeader(http.StatusConflict)
		return
	}
	s.data = append(s.data, body...)
	w.Header().Set("Upload-Offset", strconv.Itoa(len(s.data)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *tusSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func newService(t *testing.T) *background.Service {
	t.Helper()
	logger := adapter.NullLogger()

	st, err := store.Open("", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	uploads := upload.NewManager(st, upload.NewTusClient(nil, logger), logger, upload.Options{})
	actions := mutation.NewQueue(st, mutation.NewHTTPPerformer("http://127.0.0.1:0", nil, logger), nil, nil, nil, logger)
	assets := assetcache.NewCache(st, blobcache.New(afero.NewMemMapFs()), assetcache.NewHTTPFetcher(nil), 0, logger)
	svc := background.New(uploads, actions, assets, bus.NewHub(logger), logger)

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
	return svc
}

func newPage(t *testing.T, svc *background.Service) *Client {
	t.Helper()
	c := New(svc.Attach(64), adapter.NullLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRequest_CorrelatesReply(t *testing.T) {
	svc := newService(t)
	a := newPage(t, svc)
	b := newPage(t, svc)

	var seen []domain.EventType
	var mu sync.Mutex
	b.Subscribe(func(evt domain.Event) {
		mu.Lock()
		seen = append(seen, evt.Type)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var st domain.UploadStatusPayload
	require.NoError(t, a.RequestPayload(ctx, domain.CmdGetStatus, domain.UploadRef{UploadID: "u1"}, &st))
	assert.Equal(t, domain.UploadAbsent, st.State)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seen, domain.EvtUploadStatus, "replies are not broadcast")
}

func TestRequest_NoReplyTimesOut(t *testing.T) {
	svc := newService(t)
	c := newPage(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, domain.Command{Type: domain.CmdGetStatus})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribe_ReceivesBroadcasts(t *testing.T) {
	svc := newService(t)
	a := newPage(t, svc)
	b := newPage(t, svc)

	got := make(chan domain.Event, 8)
	unsubscribe := b.Subscribe(func(evt domain.Event) { got <- evt })

	require.NoError(t, a.PostPayload(context.Background(), domain.CmdRegisterUpload,
		domain.RegisterUploadPayload{UploadID: "u1", UploadURL: "http://127.0.0.1:0", FileSize: 3}))

	select {
	case evt := <-got:
		assert.Equal(t, domain.EvtUploadProgress, evt.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}

	unsubscribe()
	require.NoError(t, a.PostPayload(context.Background(), domain.CmdCancelUpload, domain.UploadRef{UploadID: "u1"}))
	select {
	case evt := <-got:
		t.Fatalf("unexpected %s after unsubscribe", evt.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedClient(t *testing.T) {
	svc := newService(t)
	c := New(svc.Attach(4), adapter.NullLogger())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Post(context.Background(), domain.Command{Type: domain.CmdGetCachedVideos}), ErrClosed)
	_, err := c.Request(context.Background(), domain.Command{Type: domain.CmdGetCachedVideos})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUploader_FullUpload(t *testing.T) {
	sink := &tusSink{}
	ts := httptest.NewServer(sink)
	defer ts.Close()

	svc := newService(t)
	c := newPage(t, svc)

	payload := []byte("the quick brown fox")
	var progress []int64
	u := NewUploader(c, UploaderOptions{
		ChunkSize:       4,
		ProgressTimeout: 2 * time.Second,
		OnProgress:      func(offset, total int64) { progress = append(progress, offset) },
	}, adapter.NullLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, u.Upload(ctx, "u1", ts.URL, bytes.NewReader(payload), int64(len(payload))))

	assert.Equal(t, payload, sink.bytes())
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(len(payload)), progress[len(progress)-1])

	st, err := u.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.UploadAbsent, st.State, "completed uploads are removed")
}

func TestUploader_ResumesFromPersistedOffset(t *testing.T) {
	payload := []byte("0123456789")
	sink := &tusSink{data: append([]byte(nil), payload[:6]...)}
	ts := httptest.NewServer(sink)
	defer ts.Close()

	svc := newService(t)

	// An earlier page registered the upload and got 6 bytes through.
	earlier := newPage(t, svc)
	require.NoError(t, earlier.PostPayload(context.Background(), domain.CmdRegisterUpload,
		domain.RegisterUploadPayload{UploadID: "u1", UploadURL: ts.URL, FileSize: 10, Offset: 6}))
	require.NoError(t, earlier.Close())

	c := newPage(t, svc)
	u := NewUploader(c, UploaderOptions{ChunkSize: 3, ProgressTimeout: 2 * time.Second}, adapter.NullLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		st, err := u.Status(ctx, "u1")
		return err == nil && st.State == domain.UploadPending
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, u.Upload(ctx, "u1", ts.URL, bytes.NewReader(payload), int64(len(payload))))
	assert.Equal(t, payload, sink.bytes())
}

func TestUploader_StallsWhenServerDown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	svc := newService(t)
	c := newPage(t, svc)
	u := NewUploader(c, UploaderOptions{
		ChunkSize:       4,
		ProgressTimeout: 50 * time.Millisecond,
		RetryDelay:      time.Millisecond,
		MaxAttempts:     2,
	}, adapter.NullLogger())

	err := u.Upload(context.Background(), "u1", ts.URL, bytes.NewReader([]byte("abcdefgh")), 8)
	require.ErrorIs(t, err, domain.ErrServerOffline)

	st, err := u.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Offset, "session survives for a later resume")
}
