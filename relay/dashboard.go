package relay

import (
	"time"

	"github.com/nyroxsystems/partsync/wire"
)

const (
	recentDiffCount     = 30
	recentConflictCount = 10
)

// dashboardLoop pushes a snapshot to every subscribed connection every
// DashboardInterval. Each subscriber also gets one immediately on subscribe.
func (r *Relay) dashboardLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(wire.DashboardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			subs := make([]*conn, 0, len(r.dashboards))
			for id := range r.dashboards {
				if c, ok := r.clients[id]; ok {
					subs = append(subs, c)
				}
			}
			r.mu.Unlock()
			if len(subs) == 0 {
				continue
			}
			for _, c := range subs {
				r.pushDashboard(c)
			}
		}
	}
}

func (r *Relay) pushDashboard(c *conn) {
	state := r.buildDashboard()
	env, err := wire.NewEnvelope(wire.EventDashboardState, state)
	if err != nil {
		r.logger.Errorf("Failed to encode dashboard state: %v", err)
		return
	}
	c.send(env)
}

func (r *Relay) buildDashboard() wire.DashboardState {
	state := wire.DashboardState{
		Clients:         r.clientInfos(),
		Locks:           r.locks.All(),
		RecentDiffs:     []wire.FileDiff{},
		RecentConflicts: []wire.ConflictEvent{},
	}
	if diffs, err := r.store.Recent(recentDiffCount); err == nil {
		state.RecentDiffs = diffs
	} else {
		r.logger.Errorf("Dashboard recent diffs failed: %v", err)
	}
	if conflicts, err := r.store.RecentConflicts(recentConflictCount); err == nil {
		state.RecentConflicts = conflicts
	} else {
		r.logger.Errorf("Dashboard recent conflicts failed: %v", err)
	}
	state.Health.UptimeMillis = time.Since(r.started).Milliseconds()
	state.Health.DBSizeBytes = r.store.Size()
	if n, err := r.store.TotalDiffs(); err == nil {
		state.Health.TotalDiffs = n
	}
	if n, err := r.store.TotalFiles(); err == nil {
		state.Health.TotalFiles = n
	}
	return state
}
