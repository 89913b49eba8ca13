package background

import (
	"context"

	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/mutation"
)

// validator is implemented by every command payload.
type validator interface {
	Valid() bool
}

// decode unmarshals and validates a payload, logging malformed commands.
func (s *Service) decode(env envelope, dest validator) bool {
	if err := env.cmd.Decode(dest); err != nil || !dest.Valid() {
		s.logger.Debug("malformed command ignored", "type", env.cmd.Type, "from", env.from, "error", err)
		return false
	}
	return true
}

func (s *Service) dispatch(ctx context.Context, env envelope) {
	s.logger.Debug("command", "type", env.cmd.Type, "from", env.from)

	switch env.cmd.Type {
	case domain.CmdRegisterUpload:
		s.handleRegisterUpload(ctx, env)
	case domain.CmdUploadChunk:
		s.handleUploadChunk(ctx, env)
	case domain.CmdGetStatus:
		s.handleGetStatus(ctx, env)
	case domain.CmdCancelUpload:
		s.handleCancelUpload(ctx, env)
	case domain.CmdCacheVideo:
		s.handleCacheVideo(ctx, env)
	case domain.CmdRemoveVideo:
		s.handleRemoveVideo(ctx, env)
	case domain.CmdGetCachedVideos:
		s.handleGetCachedVideos(ctx, env)
	case domain.CmdEnqueueAction:
		s.handleEnqueueAction(ctx, env)
	case domain.CmdPerformAction:
		s.handlePerformAction(ctx, env)
	case domain.CmdReplayActions:
		s.spawn(func() { s.replay(ctx) })
	case domain.CmdGetPendingActions:
		s.handleGetPendingActions(ctx, env)
	default:
		s.logger.Debug("unknown command ignored", "type", env.cmd.Type, "from", env.from)
	}
}

// === Uploads ===

func (s *Service) handleRegisterUpload(ctx context.Context, env envelope) {
	var p domain.RegisterUploadPayload
	if !s.decode(env, &p) {
		return
	}
	sess, err := s.uploads.Register(ctx, p.UploadID, p.UploadURL, p.FileSize, p.Offset)
	if err != nil {
		return
	}
	s.broadcast(domain.EvtUploadProgress, domain.UploadProgressPayload{
		UploadID: sess.UploadID, Offset: sess.Offset, Total: sess.FileSize,
	})
}

func (s *Service) handleUploadChunk(ctx context.Context, env envelope) {
	var p domain.UploadChunkPayload
	if !s.decode(env, &p) {
		return
	}

	s.enqueueChunk(ctx, p.UploadID, chunkJob{page: env.ctx, chunk: p.Chunk})
}

func (s *Service) drainLane(ctx context.Context, uploadID string, lane *uploadLane) {
	for {
		job, ok := s.nextChunk(uploadID, lane)
		if !ok {
			return
		}
		if !s.sendChunk(ctx, uploadID, job) {
			s.dropChunks(uploadID, lane)
		}
	}
}

// sendChunk reports whether the upload advanced.
func (s *Service) sendChunk(ctx context.Context, uploadID string, job chunkJob) bool {
	chunkCtx, cancel := pageScoped(ctx, job.page)
	defer cancel()

	res, err := s.uploads.SendChunk(chunkCtx, uploadID, job.chunk)
	if err != nil || !res.Advanced {
		return false
	}
	s.broadcast(domain.EvtUploadProgress, domain.UploadProgressPayload{
		UploadID: uploadID, Offset: res.Offset, Total: res.Total,
	})
	if res.Completed {
		s.broadcast(domain.EvtUploadComplete, domain.UploadRef{UploadID: uploadID})
	}
	return true
}

func (s *Service) handleGetStatus(ctx context.Context, env envelope) {
	var p domain.UploadRef
	if !s.decode(env, &p) {
		return
	}
	sess, err := s.uploads.Status(ctx, p.UploadID)
	if err != nil {
		return
	}

	status := domain.UploadStatusPayload{UploadID: p.UploadID, State: domain.UploadAbsent}
	if sess != nil {
		status.Offset, status.Total = sess.Offset, sess.FileSize
		status.State = domain.UploadPending
		if s.uploadActive(p.UploadID) {
			status.State = domain.UploadActive
		}
	}
	s.reply(env, domain.EvtUploadStatus, status)
}

func (s *Service) handleCancelUpload(ctx context.Context, env envelope) {
	var p domain.UploadRef
	if !s.decode(env, &p) {
		return
	}
	existed, err := s.uploads.Cancel(ctx, p.UploadID)
	if err != nil || !existed {
		return
	}
	s.broadcast(domain.EvtUploadCancelled, p)
}

// === Offline cache ===

func (s *Service) handleCacheVideo(ctx context.Context, env envelope) {
	var p domain.CacheVideoPayload
	if !s.decode(env, &p) {
		return
	}
	s.spawn(func() {
		asset, err := s.assets.Add(ctx, p)
		if err != nil || asset == nil {
			return
		}
		s.broadcast(domain.EvtVideoCached, domain.VideoRef{VideoID: asset.VideoID, VideoURL: asset.VideoURL})
	})
}

func (s *Service) handleRemoveVideo(ctx context.Context, env envelope) {
	var p domain.VideoRef
	if !s.decode(env, &p) {
		return
	}
	urls, err := s.assets.Remove(ctx, p.VideoID, p.VideoURL)
	if err != nil {
		return
	}
	for _, url := range urls {
		s.broadcast(domain.EvtVideoRemoved, domain.VideoRef{VideoID: p.VideoID, VideoURL: url})
	}
}

func (s *Service) handleGetCachedVideos(ctx context.Context, env envelope) {
	videos, err := s.assets.List(ctx)
	if err != nil {
		return
	}
	if videos == nil {
		videos = []domain.CachedAsset{}
	}
	s.reply(env, domain.EvtCachedVideos, domain.CachedVideosPayload{Videos: videos})
}

// === Mutations ===

func (s *Service) handleEnqueueAction(ctx context.Context, env envelope) {
	var p domain.EnqueueActionPayload
	if !s.decode(env, &p) {
		return
	}
	action, err := s.actions.Enqueue(ctx, p)
	if err != nil {
		return
	}
	queued := domain.ActionQueuedPayload{ID: action.ID, Type: action.Type}
	s.broadcast(domain.EvtActionQueued, queued)
	if env.cmd.RequestID != "" {
		s.reply(env, domain.EvtActionQueued, queued)
	}
}

// handlePerformAction sends a mutation now and queues it only when that
// fails or the server is known to be unreachable.
func (s *Service) handlePerformAction(ctx context.Context, env envelope) {
	var p domain.EnqueueActionPayload
	if !s.decode(env, &p) {
		return
	}
	s.spawn(func() {
		action, performed := s.actions.TryNow(ctx, p, nil)
		result := domain.ActionResultPayload{Type: p.Type, Performed: performed}
		if action != nil {
			result.ID = action.ID
			s.broadcast(domain.EvtActionQueued, domain.ActionQueuedPayload{ID: action.ID, Type: action.Type})
		}
		s.reply(env, domain.EvtActionResult, result)
	})
}

func (s *Service) handleGetPendingActions(ctx context.Context, env envelope) {
	var q domain.PendingActionsQuery
	if len(env.cmd.Payload) > 0 {
		if err := env.cmd.Decode(&q); err != nil {
			s.logger.Debug("malformed command ignored", "type", env.cmd.Type, "error", err)
			return
		}
	}
	actions, err := s.actions.ListPending(ctx, q.Type)
	if err != nil {
		return
	}
	if actions == nil {
		actions = []domain.QueuedAction{}
	}
	s.reply(env, domain.EvtPendingActions, domain.PendingActionsPayload{Actions: actions})
}

// replay runs one replay pass at a time and announces the outcome.
func (s *Service) replay(ctx context.Context) (mutation.Summary, error) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	summary, err := s.actions.Replay(ctx)
	if summary.Replayed > 0 || summary.Remaining > 0 {
		s.broadcast(domain.EvtActionsReplayed, domain.ActionsReplayedPayload{
			Replayed: summary.Replayed, Remaining: summary.Remaining,
		})
	}
	return summary, err
}
