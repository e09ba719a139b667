// Package wire defines the message envelopes exchanged between clients and
// the relay, the payload types they carry, and the normative protocol
// constants. Every message is a JSON envelope named by event; the handshake
// is the only request/response pair and uses the id/replyTo fields.
package wire

import (
	"encoding/json"
	"time"
)

// Events sent client -> relay
const (
	EventFileDiff           = "file:diff"
	EventFileLock           = "file:lock"
	EventFileUnlock         = "file:unlock"
	EventFileDelete         = "file:delete"
	EventFileRename         = "file:rename"
	EventSyncHandshake      = "sync:handshake"
	EventSyncFullFile       = "sync:full-file"
	EventDashboardSubscribe = "dashboard:subscribe"
	EventDiffUndo           = "diff:undo"
)

// Events sent relay -> client (EventFileDiff, EventFileDelete and
// EventFileRename are re-broadcast under the same name)
const (
	EventLockChanged    = "file:lock-changed"
	EventFileConflict   = "file:conflict"
	EventDashboardState = "dashboard:state"
	EventApplyFullFile  = "sync:apply-full-file"
)

// Author classifications for a diff
const (
	AuthorHuman = "human"
	AuthorAgent = "agent"
)

// Lock types
const (
	LockEditing      = "editing"
	LockAgentWriting = "agent-writing"
)

// Protocol constants
const (
	MaxPayload        = 5 * 1024 * 1024
	MaxDiffHistory    = 100
	DefaultPort       = 3777
	LockExpiry        = 5 * time.Minute
	LockSweepInterval = 30 * time.Second
	DashboardInterval = 2 * time.Second
	HandshakeTimeout  = 30 * time.Second
)

// Envelope - the framing for every message on the socket. Data is the
// event-specific payload. ID is set on requests that expect a response;
// the response echoes it in ReplyTo.
type Envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// FileDiff - one change to one file by one author. ID is assigned by the
// relay store; clients send it as zero. Version/PreviousVersion are content
// fingerprints after/before the patch applies.
type FileDiff struct {
	ID              int64  `json:"id,omitempty"`
	File            string `json:"file"`
	Patch           string `json:"patch"`
	Author          string `json:"author"`
	Type            string `json:"type"`
	Timestamp       int64  `json:"timestamp"`
	Version         string `json:"version"`
	PreviousVersion string `json:"previousVersion"`
	Compressed      bool   `json:"compressed"` // reserved
}

// LockState - a soft advisory lock on a file.
type LockState struct {
	File     string `json:"file"`
	LockedBy string `json:"lockedBy"`
	LockType string `json:"lockType"`
	Since    int64  `json:"since"`
}

// Expired reports whether the lock is past the expiry bound at now (ms).
func (l *LockState) Expired(nowMillis int64) bool {
	return nowMillis-l.Since >= LockExpiry.Milliseconds()
}

// ConflictEvent - recorded when two patches overlap. ConflictFile is the
// synthesized <base>.conflict-<ts>.<ext> name; the relay never writes it.
type ConflictEvent struct {
	ID           int64  `json:"id,omitempty"`
	File         string `json:"file"`
	ConflictFile string `json:"conflictFile"`
	AuthorA      string `json:"authorA"`
	AuthorB      string `json:"authorB"`
	Timestamp    int64  `json:"timestamp"`
	Resolved     bool   `json:"resolved"`
}

// ClientInfo - relay-side record of a connected peer, memory only.
type ClientInfo struct {
	ConnectionID   string `json:"connectionId"`
	DisplayName    string `json:"displayName"`
	ConnectedSince int64  `json:"connectedSince"`
	LastActivity   int64  `json:"lastActivity"`
}

// LockRequest - payload of file:lock.
type LockRequest struct {
	File     string `json:"file"`
	LockType string `json:"lockType"`
}

// UnlockRequest - payload of file:unlock.
type UnlockRequest struct {
	File string `json:"file"`
}

// DeleteRequest - payload of file:delete.
type DeleteRequest struct {
	File   string `json:"file"`
	Author string `json:"author"`
}

// RenameRequest - payload of file:rename.
type RenameRequest struct {
	OldFile string `json:"oldFile"`
	NewFile string `json:"newFile"`
	Author  string `json:"author"`
}

// FullFile - payload of sync:full-file and sync:apply-full-file.
type FullFile struct {
	File    string `json:"file"`
	Content string `json:"content"`
	Hash    string `json:"hash"`
}

// UndoRequest - payload of diff:undo.
type UndoRequest struct {
	File   string `json:"file"`
	DiffID int64  `json:"diffId"`
}

// SyncHandshake - request sent by a client at connect time.
type SyncHandshake struct {
	ClientID     string            `json:"clientId"`
	ProjectID    string            `json:"projectId"`
	FileVersions map[string]string `json:"fileVersions"`
}

// SyncHandshakeResponse - the relay's answer. FullFiles is reserved (the
// relay sends it empty) but clients must iterate it.
type SyncHandshakeResponse struct {
	MissingDiffs []FileDiff  `json:"missingDiffs"`
	FullFiles    []FullFile  `json:"fullFiles"`
	Locks        []LockState `json:"locks"`
}

// HealthStats - rolled into each dashboard snapshot.
type HealthStats struct {
	UptimeMillis int64 `json:"uptime_ms"`
	DBSizeBytes  int64 `json:"db_size_bytes"`
	TotalDiffs   int64 `json:"total_diffs"`
	TotalFiles   int64 `json:"total_files"`
}

// DashboardState - periodic rollup pushed to subscribed connections.
type DashboardState struct {
	Clients         []ClientInfo    `json:"clients"`
	Locks           []LockState     `json:"locks"`
	RecentDiffs     []FileDiff      `json:"recentDiffs"`
	RecentConflicts []ConflictEvent `json:"recentConflicts"`
	Health          HealthStats     `json:"health"`
}

// Now - milliseconds since epoch, the timestamp unit used throughout.
func Now() int64 {
	return time.Now().UnixMilli()
}
