package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nyroxsystems/partsync/version"
	"github.com/nyroxsystems/partsync/wire"
)

// humanDuration renders an uptime as 1d2h3m4s, largest unit first.
func humanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	seconds := d - minutes*time.Minute
	if days > 0 {
		return fmt.Sprintf("%dd%dh%dm%ds", days, hours, minutes, seconds/time.Second)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds/time.Second)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds/time.Second)
	}
	return fmt.Sprintf("%ds", seconds/time.Second)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	uptime := time.Since(r.started)
	writeJSON(w, map[string]interface{}{
		"status":      "ok",
		"name":        r.opts.Name,
		"version":     version.Version,
		"uptime":      uptime.Milliseconds(),
		"uptimeHuman": humanDuration(uptime),
	})
}

func (r *Relay) handleStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"version": version.Version,
		"port":    r.opts.Port,
	})
}

// handleDiffsAPI serves the stored chain for one file (newest first), or
// the cross-file recent list when no file is given. Feeds the graph command.
func (r *Relay) handleDiffsAPI(w http.ResponseWriter, req *http.Request) {
	limit := wire.MaxDiffHistory
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	file := req.URL.Query().Get("file")
	var diffs []wire.FileDiff
	var err error
	if file != "" {
		diffs, err = r.store.DiffsByFile(file, limit)
	} else {
		diffs, err = r.store.Recent(limit)
	}
	if err != nil {
		r.logger.Errorf("Diff listing failed: %v", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if diffs == nil {
		diffs = []wire.FileDiff{}
	}
	writeJSON(w, diffs)
}
