package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// UploadSession tracks one resumable upload. Keyed by UploadID.
type UploadSession struct {
	UploadID    string    `json:"uploadId"`
	UploadURL   string    `json:"uploadUrl"`
	Offset      int64     `json:"offset"`   // Bytes confirmed by the server
	FileSize    int64     `json:"fileSize"` // Total bytes
	LastUpdated time.Time `json:"lastUpdated"`
}

// PrimaryKey implements Record.
func (s *UploadSession) PrimaryKey() string { return s.UploadID }

// Complete reports whether every byte has been acknowledged.
func (s *UploadSession) Complete() bool {
	return s.Offset >= s.FileSize
}

// Remaining returns the number of bytes not yet acknowledged.
func (s *UploadSession) Remaining() int64 {
	if s.Offset >= s.FileSize {
		return 0
	}
	return s.FileSize - s.Offset
}

// ActionType names a kind of deferred mutation. The set is open-ended.
type ActionType string

const (
	ActionLike    ActionType = "like"
	ActionComment ActionType = "comment"
)

// QueuedAction is a mutation that has not yet been confirmed by the server.
type QueuedAction struct {
	ID        uint64          `json:"id"` // Assigned by the store on insert
	Type      ActionType      `json:"type"`
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method"` // POST or DELETE
	Body      json.RawMessage `json:"body,omitempty"`
	Token     string          `json:"token,omitempty"` // Credential snapshot at enqueue time
	CreatedAt time.Time       `json:"createdAt"`
}

// PrimaryKey implements Record. Zero-padded hex keeps bbolt's byte order
// equal to insertion order.
func (a *QueuedAction) PrimaryKey() string { return ActionKey(a.ID) }

// SetID implements AutoKeyed.
func (a *QueuedAction) SetID(id uint64) { a.ID = id }

// ActionKey formats a queued action id as a store key.
func ActionKey(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

// ValidMethod reports whether m is a method the queue accepts.
func ValidMethod(m string) bool {
	return m == http.MethodPost || m == http.MethodDelete
}

// CachedAsset is the metadata half of an offline-playable video. Keyed by VideoURL.
type CachedAsset struct {
	VideoID      string    `json:"videoId"`
	VideoURL     string    `json:"videoUrl"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Caption      string    `json:"caption,omitempty"`
	CachedAt     time.Time `json:"cachedAt"`
	Size         int64     `json:"size"`
	BlobKey      string    `json:"blobKey,omitempty"`      // Blob cache key of the video payload
	ThumbnailKey string    `json:"thumbnailKey,omitempty"` // Empty when the thumbnail was not fetched
}

// PrimaryKey implements Record.
func (a *CachedAsset) PrimaryKey() string { return a.VideoURL }

// UploadState is the lifecycle position of an upload as seen by pages.
type UploadState string

const (
	UploadAbsent  UploadState = "absent"
	UploadPending UploadState = "pending" // Registered, no chunk in flight
	UploadActive  UploadState = "active"  // Chunk request in flight
)
