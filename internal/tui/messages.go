package tui

import (
	"github.com/mmcdole/kinosync/internal/domain"
)

// Message types for the TUI

// ErrMsg represents an error
type ErrMsg struct {
	Err     error
	Context string
}

// Error implements the error interface
func (e ErrMsg) Error() string {
	if e.Context != "" {
		return e.Context + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

// EventMsg carries a background service event into the update loop
type EventMsg struct {
	Event domain.Event
}

// BridgeClosedMsg signals that the event stream ended
type BridgeClosedMsg struct{}

// CachedLoadedMsg signals that the cached video list arrived
type CachedLoadedMsg struct {
	Videos []domain.CachedAsset
}

// PendingLoadedMsg signals that the pending action list arrived
type PendingLoadedMsg struct {
	Actions []domain.QueuedAction
}

// UploadStatusMsg is the reply to a status query for a tracked upload
type UploadStatusMsg struct {
	Status domain.UploadStatusPayload
}

// StatusMsg shows a transient line in the footer
type StatusMsg struct {
	Text    string
	IsError bool
}

// ClearStatusMsg clears the footer line if it still shows Text
type ClearStatusMsg struct {
	Text string
}
