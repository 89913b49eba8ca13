package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Command factories for async operations

const requestTimeout = 5 * time.Second

// LoadCachedCmd loads the cached video list. The manager bounds the wait itself.
func LoadCachedCmd(b Backend) tea.Cmd {
	return func() tea.Msg {
		return CachedLoadedMsg{Videos: b.ListCached(context.Background())}
	}
}

// LoadPendingCmd loads the actions still waiting for the server
func LoadPendingCmd(b Backend) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		actions, err := b.PendingActions(ctx)
		if err != nil {
			return ErrMsg{Err: err, Context: "loading pending actions"}
		}
		return PendingLoadedMsg{Actions: actions}
	}
}

// UploadStatusCmd queries the state of an upload
func UploadStatusCmd(b Backend, uploadID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		status, err := b.UploadStatus(ctx, uploadID)
		if err != nil {
			return ErrMsg{Err: err, Context: "querying upload " + uploadID}
		}
		return UploadStatusMsg{Status: status}
	}
}

// RemoveVideoCmd asks the background service to drop a cached video
func RemoveVideoCmd(b Backend, videoID, videoURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := b.RemoveVideo(ctx, videoID, videoURL); err != nil {
			return ErrMsg{Err: err, Context: "removing video"}
		}
		return StatusMsg{Text: "Removing " + videoID}
	}
}

// CancelUploadCmd asks the background service to forget an upload
func CancelUploadCmd(b Backend, uploadID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := b.CancelUpload(ctx, uploadID); err != nil {
			return ErrMsg{Err: err, Context: "cancelling upload"}
		}
		return StatusMsg{Text: "Cancelling " + uploadID}
	}
}

// ReplayCmd asks the background service to flush the mutation queue
func ReplayCmd(b Backend) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := b.Replay(ctx); err != nil {
			return ErrMsg{Err: err, Context: "replaying queue"}
		}
		return StatusMsg{Text: "Replaying queued actions..."}
	}
}

// ClearStatusCmd returns a command that clears status after a delay
func ClearStatusCmd(text string, delay time.Duration) tea.Cmd {
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return ClearStatusMsg{Text: text}
	})
}
