package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTag = "replay-mutations"

func TestMonitor_NotifiesTransitionsOnly(t *testing.T) {
	m := NewMonitor(false, adapter.NullLogger())
	ch, stop := m.Subscribe()
	defer stop()

	m.Set(false)
	select {
	case <-ch:
		t.Fatal("no transition, no notification")
	default:
	}

	m.Set(true)
	assert.True(t, <-ch)
	assert.True(t, m.Online())

	// A slow subscriber sees the latest state.
	m.Set(false)
	m.Set(true)
	assert.True(t, <-ch)
}

func TestProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer ts.Close()

	m := NewMonitor(false, adapter.NullLogger())
	p := NewProber(ts.URL, time.Hour, m, nil, adapter.NullLogger())
	ctx := context.Background()

	assert.True(t, p.Probe(ctx))
	assert.True(t, m.Online())

	status.Store(http.StatusNotFound)
	assert.True(t, p.Probe(ctx), "a 404 still proves the server is reachable")

	status.Store(http.StatusBadGateway)
	assert.False(t, p.Probe(ctx))
	assert.False(t, m.Online())

	ts.Close()
	assert.False(t, p.Probe(ctx))
}

func TestScheduler_FiresWhenOnline(t *testing.T) {
	m := NewMonitor(false, adapter.NullLogger())
	s := NewScheduler(m, adapter.NullLogger(), SchedulerOptions{RetryBase: time.Millisecond})

	fired := make(chan struct{}, 4)
	s.Handle(testTag, func(context.Context) error {
		fired <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	s.RegisterSync(testTag)
	select {
	case <-fired:
		t.Fatal("fired while offline")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, s.Pending(testTag))

	m.Set(true)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("did not fire after going online")
	}
	require.Eventually(t, func() bool { return !s.Pending(testTag) }, time.Second, 5*time.Millisecond)

	// Online registration fires right away.
	s.RegisterSync(testTag)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("did not fire while online")
	}
}

func TestScheduler_RetriesThenLeavesPending(t *testing.T) {
	m := NewMonitor(true, adapter.NullLogger())
	s := NewScheduler(m, adapter.NullLogger(), SchedulerOptions{RetryBase: time.Millisecond, MaxRetries: 2})

	var calls atomic.Int32
	s.Handle(testTag, func(context.Context) error {
		calls.Add(1)
		return errors.New("still failing")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	s.RegisterSync(testTag)
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Pending(testTag) }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestScheduler_StopsRetryingWhenOffline(t *testing.T) {
	m := NewMonitor(true, adapter.NullLogger())
	s := NewScheduler(m, adapter.NullLogger(), SchedulerOptions{RetryBase: time.Millisecond, MaxRetries: 10})

	var calls atomic.Int32
	s.Handle(testTag, func(context.Context) error {
		calls.Add(1)
		m.Set(false)
		return errors.New("network down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.RegisterSync(testTag)
	require.Eventually(t, func() bool { return s.Pending(testTag) && calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
