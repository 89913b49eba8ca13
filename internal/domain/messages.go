package domain

import (
	"encoding/json"
	"fmt"
)

// CommandType discriminates commands sent from a page to the background service.
type CommandType string

const (
	CmdRegisterUpload    CommandType = "REGISTER_UPLOAD"
	CmdUploadChunk       CommandType = "UPLOAD_CHUNK"
	CmdGetStatus         CommandType = "GET_STATUS"
	CmdCancelUpload      CommandType = "CANCEL_UPLOAD"
	CmdCacheVideo        CommandType = "CACHE_VIDEO"
	CmdRemoveVideo       CommandType = "REMOVE_VIDEO"
	CmdGetCachedVideos   CommandType = "GET_CACHED_VIDEOS"
	CmdEnqueueAction     CommandType = "ENQUEUE_ACTION"
	CmdPerformAction     CommandType = "PERFORM_ACTION"
	CmdReplayActions     CommandType = "REPLAY_ACTIONS"
	CmdGetPendingActions CommandType = "GET_PENDING_ACTIONS"
)

// EventType discriminates events sent from the background service to pages.
type EventType string

const (
	EvtUploadProgress  EventType = "UPLOAD_PROGRESS"  // broadcast
	EvtUploadComplete  EventType = "UPLOAD_COMPLETE"  // broadcast
	EvtUploadCancelled EventType = "UPLOAD_CANCELLED" // broadcast
	EvtUploadStatus    EventType = "UPLOAD_STATUS"    // unicast reply
	EvtVideoCached     EventType = "VIDEO_CACHED"     // broadcast
	EvtVideoRemoved    EventType = "VIDEO_REMOVED"    // broadcast
	EvtCachedVideos    EventType = "CACHED_VIDEOS"    // unicast reply
	EvtActionQueued    EventType = "ACTION_QUEUED"    // broadcast, plus a reply when the command carried a request id
	EvtActionResult    EventType = "ACTION_RESULT"    // unicast reply
	EvtActionsReplayed EventType = "ACTIONS_REPLAYED" // broadcast
	EvtPendingActions  EventType = "PENDING_ACTIONS"  // unicast reply
)

// Command is the envelope for page -> background messages.
type Command struct {
	Type      CommandType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is the envelope for background -> page messages.
// Unicast replies carry the RequestID of the command they answer.
type Event struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewCommand builds a command envelope around payload (nil for no payload).
func NewCommand(t CommandType, payload any) (Command, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Command{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Command{Type: t, Payload: raw}, nil
}

// NewEvent builds an event envelope around payload (nil for no payload).
func NewEvent(t EventType, payload any) (Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Event{Type: t, Payload: raw}, nil
}

// Decode unmarshals the command payload into dest.
func (c Command) Decode(dest any) error {
	if len(c.Payload) == 0 {
		return ErrMalformedCommand
	}
	if err := json.Unmarshal(c.Payload, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return nil
}

// Decode unmarshals the event payload into dest.
func (e Event) Decode(dest any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, dest)
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

// === Command payloads ===

type RegisterUploadPayload struct {
	UploadID  string `json:"uploadId"`
	UploadURL string `json:"uploadUrl"`
	FileSize  int64  `json:"fileSize"`
	Offset    int64  `json:"offset,omitempty"` // Resume point, 0 for a fresh upload
}

func (p RegisterUploadPayload) Valid() bool {
	return p.UploadID != "" && p.UploadURL != "" && p.FileSize > 0 &&
		p.Offset >= 0 && p.Offset <= p.FileSize
}

type UploadChunkPayload struct {
	UploadID string `json:"uploadId"`
	Chunk    []byte `json:"chunk"` // base64 on the wire
}

func (p UploadChunkPayload) Valid() bool {
	return p.UploadID != "" && len(p.Chunk) > 0
}

// UploadRef addresses an upload by id (GET_STATUS, CANCEL_UPLOAD, UPLOAD_COMPLETE, UPLOAD_CANCELLED).
type UploadRef struct {
	UploadID string `json:"uploadId"`
}

func (p UploadRef) Valid() bool { return p.UploadID != "" }

type CacheVideoPayload struct {
	VideoID      string `json:"videoId"`
	VideoURL     string `json:"videoUrl"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Caption      string `json:"caption,omitempty"`
}

func (p CacheVideoPayload) Valid() bool {
	return p.VideoID != "" && p.VideoURL != ""
}

// VideoRef addresses a cached video (REMOVE_VIDEO, VIDEO_CACHED, VIDEO_REMOVED).
// VideoURL is optional on REMOVE_VIDEO.
type VideoRef struct {
	VideoID  string `json:"videoId"`
	VideoURL string `json:"videoUrl,omitempty"`
}

func (p VideoRef) Valid() bool { return p.VideoID != "" }

type EnqueueActionPayload struct {
	Type     ActionType      `json:"type"`
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Body     json.RawMessage `json:"body,omitempty"`
	Token    string          `json:"token,omitempty"`
}

func (p EnqueueActionPayload) Valid() bool {
	return p.Type != "" && p.Endpoint != "" && ValidMethod(p.Method)
}

type PendingActionsQuery struct {
	Type ActionType `json:"type,omitempty"`
}

// === Event payloads ===

type UploadProgressPayload struct {
	UploadID string `json:"uploadId"`
	Offset   int64  `json:"offset"`
	Total    int64  `json:"total"`
}

type UploadStatusPayload struct {
	UploadID string      `json:"uploadId"`
	State    UploadState `json:"state"`
	Offset   int64       `json:"offset"`
	Total    int64       `json:"total"`
}

type CachedVideosPayload struct {
	Videos []CachedAsset `json:"videos"`
}

type ActionQueuedPayload struct {
	ID   uint64     `json:"id"`
	Type ActionType `json:"type"`
}

// ActionResultPayload answers PERFORM_ACTION. ID is set when the mutation
// was queued instead of performed.
type ActionResultPayload struct {
	Type      ActionType `json:"type"`
	Performed bool       `json:"performed"`
	ID        uint64     `json:"id,omitempty"`
}

type ActionsReplayedPayload struct {
	Replayed  int `json:"replayed"`
	Remaining int `json:"remaining"`
}

type PendingActionsPayload struct {
	Actions []QueuedAction `json:"actions"`
}
