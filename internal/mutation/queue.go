// Package mutation persists user mutations made while offline and replays
// them when connectivity returns. Delivery is at-least-once.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mmcdole/kinosync/internal/credential"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/store"
)

// ReplayTag is the deferred-wake tag registered on enqueue.
const ReplayTag = "replay-mutations"

// Waker schedules a deferred wake for a tag.
type Waker interface {
	RegisterSync(tag string)
}

// Connectivity reports the best-known online state.
type Connectivity interface {
	Online() bool
}

// Summary reports the outcome of a replay pass.
type Summary struct {
	Replayed  int
	Remaining int
}

// Queue is the offline mutation queue.
type Queue struct {
	store     domain.Store
	performer Performer
	net       Connectivity
	waker     Waker
	creds     credential.Provider
	logger    *slog.Logger
	now       func() time.Time
}

// NewQueue creates a queue. waker and creds may be nil.
func NewQueue(st domain.Store, performer Performer, net Connectivity, waker Waker, creds credential.Provider, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     st,
		performer: performer,
		net:       net,
		waker:     waker,
		creds:     creds,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue persists a mutation and asks for a replay wake.
func (q *Queue) Enqueue(ctx context.Context, req domain.EnqueueActionPayload) (*domain.QueuedAction, error) {
	if !req.Valid() {
		return nil, fmt.Errorf("%w: enqueue %q %s %s", domain.ErrMalformedCommand, req.Type, req.Method, req.Endpoint)
	}

	action := &domain.QueuedAction{
		Type:      req.Type,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Body:      req.Body,
		Token:     req.Token,
		CreatedAt: q.now(),
	}
	if err := q.store.Insert(ctx, domain.CollectionActions, action); err != nil {
		q.logger.Error("failed to queue action", "error", err, "type", req.Type)
		return nil, err
	}

	q.logger.Info("action queued", "id", action.ID, "type", action.Type, "endpoint", action.Endpoint)
	if q.waker != nil {
		q.waker.RegisterSync(ReplayTag)
	}
	return action, nil
}

// ListPending returns queued actions in insertion order. An empty typ matches all.
func (q *Queue) ListPending(ctx context.Context, typ domain.ActionType) ([]domain.QueuedAction, error) {
	all, err := store.All[domain.QueuedAction](ctx, q.store, domain.CollectionActions)
	if err != nil {
		return nil, err
	}

	pending := all[:0]
	for _, a := range all {
		if typ == "" || a.Type == typ {
			pending = append(pending, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return pending, nil
}

// Remove deletes a queued action. Removing an unknown id is a no-op.
func (q *Queue) Remove(ctx context.Context, id uint64) error {
	return q.store.Delete(ctx, domain.CollectionActions, domain.ActionKey(id))
}

// TryNow performs req immediately when online and falls back to the queue
// on any failure, including an optimistic online state that turns out wrong.
// A nil perform uses the queue's Performer. It reports whether the mutation
// reached the server and, when it did not, the action it queued (nil if even
// queueing failed). Failures are logged, never returned.
func (q *Queue) TryNow(ctx context.Context, req domain.EnqueueActionPayload, perform func(ctx context.Context) error) (*domain.QueuedAction, bool) {
	if perform == nil {
		perform = func(ctx context.Context) error {
			action := &domain.QueuedAction{Type: req.Type, Endpoint: req.Endpoint, Method: req.Method, Body: req.Body}
			token := credential.Select(ctx, req.Token, q.creds, q.now())
			return q.performer.Perform(ctx, action, token)
		}
	}

	if q.net == nil || q.net.Online() {
		err := perform(ctx)
		if err == nil {
			return nil, true
		}
		q.logger.Warn("mutation failed, queueing", "type", req.Type, "error", err)
	}

	action, err := q.Enqueue(context.WithoutCancel(ctx), req)
	if err != nil {
		q.logger.Error("mutation lost", "type", req.Type, "error", err)
		return nil, false
	}
	return action, false
}

// Replay performs every queued action in order and removes each one only
// after the server accepts it. It stops at the first offline failure. The
// returned error is non-nil while anything remains queued.
func (q *Queue) Replay(ctx context.Context) (Summary, error) {
	pending, err := q.ListPending(ctx, "")
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	var lastErr error
	for i := range pending {
		a := &pending[i]
		token := credential.Select(ctx, a.Token, q.creds, q.now())

		if err := q.performer.Perform(ctx, a, token); err != nil {
			lastErr = err
			q.logger.Warn("replay failed", "id", a.ID, "type", a.Type, "error", err)
			if errors.Is(err, domain.ErrServerOffline) || ctx.Err() != nil {
				break
			}
			continue
		}

		if err := q.Remove(context.WithoutCancel(ctx), a.ID); err != nil {
			// Performed but still queued: the server will see it again.
			q.logger.Error("failed to remove replayed action", "id", a.ID, "error", err)
			lastErr = err
			continue
		}
		summary.Replayed++
	}

	summary.Remaining = len(pending) - summary.Replayed
	q.logger.Info("replay finished", "replayed", summary.Replayed, "remaining", summary.Remaining)
	if summary.Remaining > 0 {
		return summary, fmt.Errorf("%d actions still queued: %w", summary.Remaining, lastErr)
	}
	return summary, nil
}
