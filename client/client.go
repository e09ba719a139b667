// Package client implements the sync endpoint: it watches a project
// directory, turns local edits into diffs for the relay, applies incoming
// diffs from other peers, queues outbound diffs while offline and replays
// the version-chain handshake on every reconnect.
package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nyroxsystems/partsync/config"
	"github.com/nyroxsystems/partsync/node"
	"github.com/nyroxsystems/partsync/patch"
	"github.com/nyroxsystems/partsync/wire"
)

// Connection and guard constants
const (
	ReconnectDelay       = 2 * time.Second
	MaxReconnectAttempts = 50
	SettleDelay          = 200 * time.Millisecond
	LockIdleRelease      = 30 * time.Second

	// cap on remembered expected fingerprints per file
	maxExpected = 8
)

// Client - one sync endpoint rooted at a project directory.
type Client struct {
	logger    *logrus.Logger
	cfg       *config.Config
	dir       string
	name      string
	serverURL string
	ignores   []string
	detector  *Detector

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	writeMu   sync.Mutex

	fileContents map[string]string
	fileVersions map[string]string
	pending      []wire.FileDiff
	applying     int
	expected     map[string]map[string]struct{}
	debounce     map[string]*time.Timer
	lockIdle     map[string]*time.Timer
	replies      map[string]chan wire.Envelope
	peerLocks    []wire.LockState
	tree         *node.Node
	scanned      bool

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(logger *logrus.Logger, cfg *config.Config) (*Client, error) {
	dir, err := filepath.Abs(cfg.ProjectDir)
	if err != nil {
		return nil, err
	}
	name := cfg.ClientName
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "unknown"
		}
	}
	return &Client{
		logger:       logger,
		cfg:          cfg,
		dir:          dir,
		name:         name,
		serverURL:    cfg.ServerURL,
		ignores:      cfg.IgnorePatterns(),
		detector:     NewDetector(),
		fileContents: make(map[string]string),
		fileVersions: make(map[string]string),
		expected:     make(map[string]map[string]struct{}),
		debounce:     make(map[string]*time.Timer),
		lockIdle:     make(map[string]*time.Timer),
		replies:      make(map[string]chan wire.Envelope),
		tree:         node.NewTree(),
		stop:         make(chan struct{}),
	}, nil
}

// Start scans the project, starts the watcher and the connection loop.
func (c *Client) Start() error {
	if err := c.initialScan(); err != nil {
		return err
	}
	if err := c.startWatcher(); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.connectLoop()
	return nil
}

// Stop shuts the client down and waits for its goroutines.
func (c *Client) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	if c.watcher != nil {
		c.watcher.Close()
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	c.wg.Wait()
}

// wsURL derives the websocket endpoint from the configured server URL.
func wsURL(server, name, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("clientName", name)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connectLoop dials the relay, runs the handshake and read loop, and
// retries with a fixed delay up to the attempt bound.
func (c *Client) connectLoop() {
	defer c.wg.Done()
	attempts := 0
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		target, err := wsURL(c.serverURL, c.name, c.cfg.ProjectToken)
		if err != nil {
			c.logger.Errorf("Bad server URL %s: %v", c.serverURL, err)
			return
		}
		ws, _, err := websocket.DefaultDialer.Dial(target, nil)
		if err != nil {
			attempts++
			if attempts > MaxReconnectAttempts {
				c.logger.Errorf("Giving up after %d connection attempts: %v", attempts-1, err)
				return
			}
			c.logger.Debugf("Connect attempt %d failed: %v", attempts, err)
			if !c.sleep(ReconnectDelay) {
				return
			}
			continue
		}
		attempts = 0
		ws.SetReadLimit(wire.MaxPayload)
		c.mu.Lock()
		c.ws = ws
		c.connected = true
		c.mu.Unlock()
		c.logger.Infof("Connected to %s as %s", c.serverURL, c.name)

		done := make(chan struct{})
		go func() {
			c.readLoop(ws)
			close(done)
		}()
		if err := c.handshake(); err != nil {
			c.logger.Warnf("Handshake failed: %v", err)
			ws.Close()
		} else {
			c.drainPending()
		}
		<-done

		c.mu.Lock()
		c.connected = false
		c.ws = nil
		c.mu.Unlock()
		c.logger.Infof("Disconnected from %s", c.serverURL)
		if !c.sleep(ReconnectDelay) {
			return
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.stop:
		return false
	case <-time.After(d):
		return true
	}
}

// handshake sends the local fingerprint map and feeds every missing diff
// (then every full file) through the inbound path in order.
func (c *Client) handshake() error {
	reqID := uuid.NewString()
	ch := make(chan wire.Envelope, 1)
	c.mu.Lock()
	c.replies[reqID] = ch
	versions := make(map[string]string, len(c.fileVersions))
	for f, v := range c.fileVersions {
		versions[f] = v
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replies, reqID)
		c.mu.Unlock()
	}()

	hs := wire.SyncHandshake{
		ClientID:     c.name,
		ProjectID:    filepath.Base(c.dir),
		FileVersions: versions,
	}
	env, err := wire.NewEnvelope(wire.EventSyncHandshake, hs)
	if err != nil {
		return err
	}
	env.ID = reqID
	if err := c.writeEnvelope(env); err != nil {
		return err
	}
	select {
	case reply := <-ch:
		var resp wire.SyncHandshakeResponse
		if err := json.Unmarshal(reply.Data, &resp); err != nil {
			return fmt.Errorf("bad handshake response: %v", err)
		}
		c.logger.Infof("Handshake complete: %d missing diffs, %d locks",
			len(resp.MissingDiffs), len(resp.Locks))
		for _, d := range resp.MissingDiffs {
			c.applyIncomingDiff(d)
		}
		for _, ff := range resp.FullFiles {
			c.applyFullFile(ff)
		}
		c.setPeerLocks(resp.Locks)
		return nil
	case <-time.After(wire.HandshakeTimeout):
		return fmt.Errorf("timed out after %v", wire.HandshakeTimeout)
	case <-c.stop:
		return nil
	}
}

// readLoop processes relay messages until the connection drops.
func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnf("Malformed message ignored: %v", err)
			continue
		}
		if env.ReplyTo != "" {
			c.mu.Lock()
			ch, ok := c.replies[env.ReplyTo]
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		switch env.Event {
		case wire.EventFileDiff:
			var d wire.FileDiff
			if json.Unmarshal(env.Data, &d) == nil {
				c.applyIncomingDiff(d)
			}
		case wire.EventApplyFullFile:
			var ff wire.FullFile
			if json.Unmarshal(env.Data, &ff) == nil {
				c.applyFullFile(ff)
			}
		case wire.EventFileDelete:
			var dr wire.DeleteRequest
			if json.Unmarshal(env.Data, &dr) == nil {
				c.applyDelete(dr)
			}
		case wire.EventFileRename:
			var rr wire.RenameRequest
			if json.Unmarshal(env.Data, &rr) == nil {
				c.applyRename(rr)
			}
		case wire.EventLockChanged:
			var states []wire.LockState
			if json.Unmarshal(env.Data, &states) == nil {
				c.setPeerLocks(states)
			}
		case wire.EventFileConflict:
			var e wire.ConflictEvent
			if json.Unmarshal(env.Data, &e) == nil {
				// Informational only; the conflict copy is a UI decision.
				c.logger.Warnf("Conflict on %s between %s and %s (%s)",
					e.File, e.AuthorA, e.AuthorB, e.ConflictFile)
			}
		case wire.EventDashboardState:
			// not subscribed; ignore
		default:
			c.logger.Debugf("Unknown event %q ignored", env.Event)
		}
	}
}

// --- inbound application, guarded against watcher echo ---

func (c *Client) beginApply() {
	c.mu.Lock()
	c.applying++
	c.mu.Unlock()
}

// settleApply releases the applying-incoming guard after the settle delay,
// letting the watcher's own events from our write drain first.
func (c *Client) settleApply() {
	time.AfterFunc(SettleDelay, func() {
		c.mu.Lock()
		c.applying--
		c.mu.Unlock()
	})
}

func (c *Client) guardActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applying > 0
}

// addExpected registers a fingerprint our own write is about to produce so
// the watcher can drop the echo even outside the settle window.
func (c *Client) addExpected(file, fp string) {
	set, ok := c.expected[file]
	if !ok || len(set) >= maxExpected {
		set = make(map[string]struct{})
		c.expected[file] = set
	}
	set[fp] = struct{}{}
}

// consumeExpected reports (and forgets) whether fp was pre-registered.
func (c *Client) consumeExpected(file, fp string) bool {
	set, ok := c.expected[file]
	if !ok {
		return false
	}
	if _, hit := set[fp]; !hit {
		return false
	}
	delete(set, fp)
	return true
}

// applyIncomingDiff writes the patched content, preferring convergence over
// freezing: on partial apply the best-effort result still lands on disk.
// Relayed undo diffs arrive with the chain reversed; when the forward apply
// does not fingerprint to the advertised version the inverse patch is tried
// and kept if it does.
func (c *Client) applyIncomingDiff(d wire.FileDiff) {
	c.beginApply()
	defer c.settleApply()
	abs := c.absPath(d.File)
	current := ""
	if data, err := os.ReadFile(abs); err == nil {
		current = string(data)
	}
	result, clean := patch.ApplyPatch(d.Patch, current)
	if patch.Fingerprint(result) != d.Version {
		if inv, ok := patch.Invert(d.Patch); ok {
			if reversed, revClean := patch.ApplyPatch(inv, current); revClean && patch.Fingerprint(reversed) == d.Version {
				result, clean = reversed, true
			}
		}
	}
	if err := c.writeFile(abs, result); err != nil {
		c.logger.Errorf("Failed to write %s: %v", d.File, err)
		return
	}
	ver := d.Version
	if !clean {
		ver = patch.Fingerprint(result)
		c.logger.Warnf("Partial apply on %s: keeping best-effort content (%s)", d.File, ver)
	}
	c.mu.Lock()
	c.fileContents[d.File] = result
	c.fileVersions[d.File] = ver
	c.addExpected(d.File, patch.Fingerprint(result))
	c.tree.AddFile(d.File)
	c.mu.Unlock()
}

func (c *Client) applyFullFile(ff wire.FullFile) {
	c.beginApply()
	defer c.settleApply()
	abs := c.absPath(ff.File)
	if err := c.writeFile(abs, ff.Content); err != nil {
		c.logger.Errorf("Failed to write %s: %v", ff.File, err)
		return
	}
	fp := patch.Fingerprint(ff.Content)
	ver := ff.Hash
	if ver == "" {
		ver = fp
	}
	c.mu.Lock()
	c.fileContents[ff.File] = ff.Content
	c.fileVersions[ff.File] = ver
	c.addExpected(ff.File, fp)
	c.tree.AddFile(ff.File)
	c.mu.Unlock()
}

func (c *Client) applyDelete(dr wire.DeleteRequest) {
	c.beginApply()
	defer c.settleApply()
	abs := c.absPath(dr.File)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		c.logger.Errorf("Failed to remove %s: %v", dr.File, err)
	}
	c.mu.Lock()
	delete(c.fileContents, dr.File)
	delete(c.fileVersions, dr.File)
	delete(c.expected, dr.File)
	c.tree.DeleteFile(dr.File)
	c.mu.Unlock()
}

func (c *Client) applyRename(rr wire.RenameRequest) {
	c.beginApply()
	defer c.settleApply()
	oldAbs := c.absPath(rr.OldFile)
	newAbs := c.absPath(rr.NewFile)
	if err := os.MkdirAll(filepath.Dir(newAbs), 0755); err != nil {
		c.logger.Errorf("Failed to create parent for %s: %v", rr.NewFile, err)
		return
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		c.logger.Errorf("Failed to rename %s -> %s: %v", rr.OldFile, rr.NewFile, err)
		return
	}
	c.mu.Lock()
	if content, ok := c.fileContents[rr.OldFile]; ok {
		c.fileContents[rr.NewFile] = content
		delete(c.fileContents, rr.OldFile)
	}
	if ver, ok := c.fileVersions[rr.OldFile]; ok {
		c.fileVersions[rr.NewFile] = ver
		delete(c.fileVersions, rr.OldFile)
	}
	delete(c.expected, rr.OldFile)
	c.tree.DeleteFile(rr.OldFile)
	c.tree.AddFile(rr.NewFile)
	c.mu.Unlock()
}

func (c *Client) setPeerLocks(states []wire.LockState) {
	c.mu.Lock()
	c.peerLocks = states
	c.mu.Unlock()
	for _, l := range states {
		if l.LockedBy != c.name {
			c.logger.Debugf("Peer lock: %s by %s (%s)", l.File, l.LockedBy, l.LockType)
		}
	}
}

// PeerLocks returns the latest lock snapshot received from the relay.
func (c *Client) PeerLocks() []wire.LockState {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make([]wire.LockState, len(c.peerLocks))
	copy(states, c.peerLocks)
	return states
}

// --- outbound ---

func (c *Client) writeEnvelope(env wire.Envelope) error {
	c.mu.Lock()
	ws := c.ws
	ok := c.connected
	c.mu.Unlock()
	if !ok || ws == nil {
		return fmt.Errorf("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(env)
}

// sendDiff transmits a diff, queueing it while disconnected. Queued diffs
// drain FIFO after reconnect and handshake.
func (c *Client) sendDiff(d wire.FileDiff) {
	env, err := wire.NewEnvelope(wire.EventFileDiff, d)
	if err != nil {
		c.logger.Errorf("Failed to encode diff for %s: %v", d.File, err)
		return
	}
	if err := c.writeEnvelope(env); err != nil {
		c.mu.Lock()
		c.pending = append(c.pending, d)
		n := len(c.pending)
		c.mu.Unlock()
		c.logger.Debugf("Queued diff for %s while offline (%d pending)", d.File, n)
	}
}

// sendEvent transmits a fire-and-forget message; dropped while offline
// (deletes and full-file sends are best-effort by design).
func (c *Client) sendEvent(event string, payload interface{}) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		c.logger.Errorf("Failed to encode %s: %v", event, err)
		return
	}
	if err := c.writeEnvelope(env); err != nil {
		c.logger.Debugf("Dropped %s while offline", event)
	}
}

func (c *Client) drainPending() {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(queued) == 0 {
		return
	}
	c.logger.Infof("Replaying %d queued diffs", len(queued))
	for i, d := range queued {
		env, err := wire.NewEnvelope(wire.EventFileDiff, d)
		if err != nil {
			continue
		}
		if err := c.writeEnvelope(env); err != nil {
			c.mu.Lock()
			c.pending = append(queued[i:], c.pending...)
			c.mu.Unlock()
			return
		}
	}
}

// sendLock emits the edit-activity lock for file and arms the idle
// auto-release timer.
func (c *Client) sendLock(file string) {
	c.sendEvent(wire.EventFileLock, wire.LockRequest{File: file, LockType: c.detector.LockType()})
	c.mu.Lock()
	if t, ok := c.lockIdle[file]; ok {
		t.Stop()
	}
	c.lockIdle[file] = time.AfterFunc(LockIdleRelease, func() {
		c.sendEvent(wire.EventFileUnlock, wire.UnlockRequest{File: file})
		c.mu.Lock()
		delete(c.lockIdle, file)
		c.mu.Unlock()
	})
	c.mu.Unlock()
}

// Undo asks the relay to reverse a stored diff.
func (c *Client) Undo(file string, diffID int64) {
	c.sendEvent(wire.EventDiffUndo, wire.UndoRequest{File: file, DiffID: diffID})
}

func (c *Client) absPath(rel string) string {
	return filepath.Join(c.dir, filepath.FromSlash(rel))
}

func (c *Client) writeFile(abs, content string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(content), 0644)
}

func (c *Client) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(c.dir, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
