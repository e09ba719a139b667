package client

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"time"
	"unicode/utf8"

	"github.com/alitto/pond"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/h2non/filetype"

	"github.com/nyroxsystems/partsync/patch"
	"github.com/nyroxsystems/partsync/wire"
)

// initialScan walks the project tree and seeds the content and fingerprint
// caches. Reads and fingerprints run through a worker pool; binary and
// ignored files never enter the caches.
func (c *Client) initialScan() error {
	pool := pond.New(runtime.NumCPU(), 0, pond.MinWorkers(4))
	count := 0
	err := filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		rel, ok := c.relPath(p)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if c.ignoredDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if c.ignored(rel) {
			return nil
		}
		count++
		pool.Submit(func() {
			data, err := os.ReadFile(p)
			if err != nil {
				c.logger.Warnf("Scan failed to read %s: %v", rel, err)
				return
			}
			if isBinary(data) {
				c.logger.Debugf("Scan skipping binary file %s", rel)
				return
			}
			content := string(data)
			fp := patch.Fingerprint(content)
			c.mu.Lock()
			c.fileContents[rel] = content
			c.fileVersions[rel] = fp
			c.tree.AddFile(rel)
			c.mu.Unlock()
		})
		return nil
	})
	pool.StopAndWait()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.scanned = true
	tracked := len(c.fileVersions)
	c.mu.Unlock()
	c.logger.Infof("Initial scan complete: %d files seen, %d tracked", count, tracked)
	return nil
}

func (c *Client) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	c.watcher = watcher
	if err := c.addWatchRecursive(c.dir); err != nil {
		watcher.Close()
		return err
	}
	c.wg.Add(1)
	go c.watchLoop()
	return nil
}

// addWatchRecursive attaches watches to root and every subdirectory so that
// files created deep inside a fresh directory tree are still seen.
func (c *Client) addWatchRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := c.relPath(p); ok && c.ignoredDir(rel) {
			return filepath.SkipDir
		}
		if err := c.watcher.Add(p); err != nil {
			c.logger.Warnf("Failed to watch %s: %v", p, err)
		}
		return nil
	})
}

func (c *Client) watchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Errorf("Watcher error: %v", err)
		}
	}
}

func (c *Client) handleEvent(ev fsnotify.Event) {
	rel, ok := c.relPath(ev.Name)
	if !ok || c.ignored(rel) {
		return
	}
	// Suppress the write echo from incoming patch application.
	if c.guardActive() {
		return
	}
	switch {
	case ev.Op&fsnotify.Create != 0:
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			c.addWatchRecursive(ev.Name)
			c.scanNewDir(ev.Name)
			return
		}
		c.detector.Record()
		c.restartDebounce(rel)
	case ev.Op&fsnotify.Write != 0:
		c.detector.Record()
		c.restartDebounce(rel)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		c.handleRemoved(rel)
	}
}

// scanNewDir routes every file inside a freshly created directory through
// the debounce path so they are announced once stable.
func (c *Client) scanNewDir(root string) {
	filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		if rel, ok := c.relPath(p); ok && !c.ignored(rel) {
			c.restartDebounce(rel)
		}
		return nil
	})
}

// handleRemoved propagates a deletion. The watcher reports directory
// removals as a single event; the synced tree expands them into the files
// they contained.
func (c *Client) handleRemoved(rel string) {
	c.mu.Lock()
	single := c.tree.Contains(rel)
	var files []string
	if single {
		files = []string{rel}
	} else {
		files = c.tree.Files(rel)
	}
	c.mu.Unlock()
	for _, f := range files {
		c.mu.Lock()
		delete(c.fileContents, f)
		delete(c.fileVersions, f)
		delete(c.expected, f)
		c.tree.DeleteFile(f)
		if t, ok := c.debounce[f]; ok {
			t.Stop()
			delete(c.debounce, f)
		}
		c.mu.Unlock()
		c.logger.Infof("Local delete: %s", f)
		c.sendEvent(wire.EventFileDelete, wire.DeleteRequest{File: f, Author: c.name})
	}
}

// restartDebounce (re)arms the per-file coalescing timer; the duration
// tracks the burst classification.
func (c *Client) restartDebounce(rel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.debounce[rel]; ok {
		t.Stop()
	}
	c.debounce[rel] = time.AfterFunc(c.detector.Debounce(), func() {
		c.flushFile(rel)
	})
}

// flushFile runs at debounce expiry: read, filter echoes and no-ops, then
// emit either a diff or a full-file sync (when no prior content is cached),
// plus the edit-activity lock.
func (c *Client) flushFile(rel string) {
	c.mu.Lock()
	delete(c.debounce, rel)
	c.mu.Unlock()

	data, err := os.ReadFile(c.absPath(rel))
	if err != nil {
		return
	}
	if isBinary(data) {
		c.logger.Debugf("Skipping binary file %s", rel)
		return
	}
	content := string(data)
	fp := patch.Fingerprint(content)

	c.mu.Lock()
	if c.consumeExpected(rel, fp) {
		c.fileContents[rel] = content
		c.fileVersions[rel] = fp
		c.mu.Unlock()
		return
	}
	old, had := c.fileContents[rel]
	c.mu.Unlock()

	if had && !patch.HasChanged(old, content) {
		return
	}
	if !had || old == "" {
		c.logger.Infof("Local add: %s (%s)", rel, fp)
		c.sendEvent(wire.EventSyncFullFile, wire.FullFile{File: rel, Content: content, Hash: fp})
	} else {
		d := wire.FileDiff{
			File:            rel,
			Patch:           patch.MakePatch(old, content),
			Author:          c.name,
			Type:            c.detector.AuthorType(),
			Timestamp:       wire.Now(),
			Version:         fp,
			PreviousVersion: patch.Fingerprint(old),
		}
		c.logger.Debugf("Local change: %s %s -> %s (%s)", rel, d.PreviousVersion, d.Version, d.Type)
		c.sendDiff(d)
	}
	c.mu.Lock()
	c.fileContents[rel] = content
	c.fileVersions[rel] = fp
	c.tree.AddFile(rel)
	c.mu.Unlock()
	c.sendLock(rel)
}

func (c *Client) ignored(rel string) bool {
	for _, pattern := range c.ignores {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// ignoredDir probes whether everything under rel is ignored, so whole
// subtrees like node_modules are never walked or watched.
func (c *Client) ignoredDir(rel string) bool {
	return c.ignored(rel) || c.ignored(path.Join(rel, "_"))
}

// isBinary rejects non-UTF8 content and known binary container formats;
// only text files are diffed.
func isBinary(data []byte) bool {
	if !utf8.Valid(data) {
		return true
	}
	head := data
	if len(head) > 261 {
		head = head[:261]
	}
	return filetype.IsImage(head) || filetype.IsVideo(head) ||
		filetype.IsAudio(head) || filetype.IsArchive(head)
}
