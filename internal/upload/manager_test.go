package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tusServer is a minimal tus endpoint that records what it receives.
type tusServer struct {
	mu        sync.Mutex
	received  int64
	patches   []http.Header
	status    int
	omitAck   bool
	ackOffset func(offset, n int64) int64
	block     chan struct{} // Holds responses until closed
	arrived   chan struct{} // Signalled when a blocked request comes in
}

func (s *tusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.block != nil {
		if s.arrived != nil {
			s.arrived <- struct{}{}
		}
		<-s.block
	}
	body, _ := io.ReadAll(r.Body)
	offset, _ := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, r.Header.Clone())

	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	next := offset + int64(len(body))
	if s.ackOffset != nil {
		next = s.ackOffset(offset, int64(len(body)))
	}
	s.received = next
	if !s.omitAck {
		w.Header().Set("Upload-Offset", strconv.FormatInt(next, 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *tusServer) patchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patches)
}

func (s *tusServer) patch(i int) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 {
		i = len(s.patches) + i
	}
	return s.patches[i]
}

func newTestManager(t *testing.T, st domain.Store) *Manager {
	t.Helper()
	return NewManager(st, NewTusClient(nil, adapter.NullLogger()), adapter.NullLogger(), Options{})
}

func memStore(t *testing.T) domain.Store {
	t.Helper()
	s, err := store.Open("", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSendChunk_HeadersAndAdvance(t *testing.T) {
	srv := &tusServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	m := newTestManager(t, memStore(t))
	_, err := m.Register(ctx, "u1", ts.URL+"/files/u1", 10, 0)
	require.NoError(t, err)

	res, err := m.SendChunk(ctx, "u1", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.False(t, res.Completed)
	assert.Equal(t, int64(5), res.Offset)
	assert.Equal(t, int64(10), res.Total)

	require.Equal(t, 1, srv.patchCount())
	h := srv.patch(0)
	assert.Equal(t, "application/offset+octet-stream", h.Get("Content-Type"))
	assert.Equal(t, "0", h.Get("Upload-Offset"))
	assert.Equal(t, "1.0.0", h.Get("Tus-Resumable"))

	sess, err := m.Status(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, int64(5), sess.Offset)
}

func TestSendChunk_CompletionRemovesSession(t *testing.T) {
	ts := httptest.NewServer(&tusServer{})
	defer ts.Close()

	ctx := context.Background()
	m := newTestManager(t, memStore(t))
	_, err := m.Register(ctx, "u1", ts.URL, 8, 4)
	require.NoError(t, err)

	res, err := m.SendChunk(ctx, "u1", []byte("abcd"))
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, int64(8), res.Offset)

	sess, err := m.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, sess)

	// A duplicate chunk after completion is a no-op.
	res, err = m.SendChunk(ctx, "u1", []byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, ChunkResult{}, res)
}

func TestSendChunk_UnknownUploadIsNoop(t *testing.T) {
	srv := &tusServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	m := newTestManager(t, memStore(t))
	res, err := m.SendChunk(context.Background(), "ghost", []byte("x"))
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Zero(t, srv.patchCount())
}

func TestSendChunk_OffsetNeverExceedsFileSize(t *testing.T) {
	srv := &tusServer{ackOffset: func(offset, n int64) int64 { return offset + n + 100 }}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	m := newTestManager(t, memStore(t))
	_, err := m.Register(ctx, "u1", ts.URL, 10, 0)
	require.NoError(t, err)

	_, err = m.SendChunk(ctx, "u1", []byte("abc"))
	require.ErrorIs(t, err, domain.ErrProtocolRejected)

	sess, err := m.Status(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sess, "rejected send keeps the session")
	assert.Equal(t, int64(0), sess.Offset)
}

func TestSendChunk_ChunkLargerThanRemaining(t *testing.T) {
	srv := &tusServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	m := newTestManager(t, memStore(t))
	_, err := m.Register(ctx, "u1", ts.URL, 4, 2)
	require.NoError(t, err)

	_, err = m.SendChunk(ctx, "u1", []byte("abc"))
	require.ErrorIs(t, err, domain.ErrProtocolRejected)
	assert.Zero(t, srv.patchCount())
}

func TestSendChunk_FailuresLeaveOffset(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"server error", http.StatusServiceUnavailable, domain.ErrServerOffline},
		{"conflict", http.StatusConflict, domain.ErrProtocolRejected},
		{"unauthorized", http.StatusUnauthorized, domain.ErrAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(&tusServer{status: tt.status})
			defer ts.Close()

			ctx := context.Background()
			m := newTestManager(t, memStore(t))
			_, err := m.Register(ctx, "u1", ts.URL, 10, 3)
			require.NoError(t, err)

			res, err := m.SendChunk(ctx, "u1", []byte("abc"))
			require.ErrorIs(t, err, tt.wantErr)
			assert.False(t, res.Advanced)
			assert.Equal(t, int64(3), res.Offset)

			sess, err := m.Status(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), sess.Offset)
		})
	}
}

func TestSendChunk_ServerUnreachable(t *testing.T) {
	ts := httptest.NewServer(&tusServer{})
	url := ts.URL
	ts.Close()

	ctx := context.Background()
	m := newTestManager(t, memStore(t))
	_, err := m.Register(ctx, "u1", url, 10, 0)
	require.NoError(t, err)

	res, err := m.SendChunk(ctx, "u1", []byte("abc"))
	require.ErrorIs(t, err, domain.ErrServerOffline)
	assert.False(t, res.Advanced)
}

func TestSendChunk_MissingOffsetHeaderNeverRegresses(t *testing.T) {
	ts := httptest.NewServer(&tusServer{omitAck: true})
	defer ts.Close()

	ctx := context.Background()
	m := newTestManager(t, memStore(t))
	_, err := m.Register(ctx, "u1", ts.URL, 10, 6)
	require.NoError(t, err)

	res, err := m.SendChunk(ctx, "u1", []byte("ab"))
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, int64(6), res.Offset)

	sess, err := m.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), sess.Offset)
}

func TestCancel_StaleResponseDiscarded(t *testing.T) {
	srv := &tusServer{block: make(chan struct{}), arrived: make(chan struct{}, 1)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	m := newTestManager(t, memStore(t))
	_, err := m.Register(ctx, "u1", ts.URL, 10, 0)
	require.NoError(t, err)

	type outcome struct {
		res ChunkResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.SendChunk(ctx, "u1", []byte("abc"))
		done <- outcome{res, err}
	}()

	// Cancel while the request is in flight, then release it.
	<-srv.arrived

	existed, err := m.Cancel(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, existed)
	close(srv.block)

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.res.Discarded)

	sess, err := m.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, sess, "late acknowledgment must not resurrect the session")

	existed, err = m.Cancel(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSendChunk_SmallChunkOutlivesCaller(t *testing.T) {
	srv := &tusServer{block: make(chan struct{}), arrived: make(chan struct{}, 1)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	m := newTestManager(t, memStore(t))
	_, err := m.Register(context.Background(), "u1", ts.URL, 10, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ChunkResult, 1)
	go func() {
		res, _ := m.SendChunk(ctx, "u1", []byte("abc"))
		done <- res
	}()

	<-srv.arrived
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(srv.block)

	res := <-done
	assert.True(t, res.Advanced, "chunk under the keepalive threshold completes after caller cancellation")

	sess, err := m.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sess.Offset)
}

func TestResumeAfterRestart(t *testing.T) {
	const fileSize = 10_000_000
	srv := &tusServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.Open(dir, ts.URL)
	require.NoError(t, err)
	m := newTestManager(t, st)
	_, err = m.Register(ctx, "big", ts.URL+"/files/big", fileSize, 0)
	require.NoError(t, err)

	chunk := make([]byte, 1_000_000)
	for i := 0; i < 5; i++ {
		res, err := m.SendChunk(ctx, "big", chunk)
		require.NoError(t, err)
		require.True(t, res.Advanced)
	}
	require.NoError(t, st.Close())

	// Host restarts.
	st, err = store.Open(dir, ts.URL)
	require.NoError(t, err)
	defer st.Close()
	m = newTestManager(t, st)

	sess, err := m.Status(ctx, "big")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, int64(5_000_000), sess.Offset)

	res, err := m.SendChunk(ctx, "big", chunk)
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), res.Offset)

	last := srv.patch(-1)
	assert.Equal(t, "5000000", last.Get("Upload-Offset"), "resume sends the persisted offset")
}

func TestRegister_Validation(t *testing.T) {
	m := newTestManager(t, memStore(t))
	ctx := context.Background()

	_, err := m.Register(ctx, "", "http://x", 10, 0)
	assert.ErrorIs(t, err, domain.ErrMalformedCommand)
	_, err = m.Register(ctx, "u1", "http://x", 10, 11)
	assert.ErrorIs(t, err, domain.ErrMalformedCommand)
	_, err = m.Register(ctx, "u1", "http://x", 0, 0)
	assert.ErrorIs(t, err, domain.ErrMalformedCommand)

	_, err = m.Register(ctx, "u1", "http://x", 10, 2)
	require.NoError(t, err)
	_, err = m.Register(ctx, "u1", "http://y", 20, 0)
	require.NoError(t, err)

	sessions, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1, "last writer wins")
	assert.Equal(t, "http://y", sessions[0].UploadURL)
}
