package client

import (
	"sync"
	"time"

	"github.com/nyroxsystems/partsync/wire"
)

// Debounce and burst-classification constants
const (
	DebounceInterval = 300 * time.Millisecond
	BurstDebounce    = 100 * time.Millisecond
	BurstThreshold   = 50 * time.Millisecond
	BurstCount       = 3
	BurstFallback    = 2 * time.Second
	writeWindow      = 20
)

// Detector classifies the current author as human or agent from write
// inter-arrival times: BurstCount consecutive writes under BurstThreshold
// apart enter burst mode, BurstFallback of silence leaves it. Burst mode
// annotates outgoing diffs and locks and shortens the debounce so rapid
// generation is tracked without losing coalescing.
type Detector struct {
	mu       sync.Mutex
	writes   []int64
	burst    bool
	fallback *time.Timer

	now         func() time.Time
	fallbackDur time.Duration
}

func NewDetector() *Detector {
	return &Detector{now: time.Now, fallbackDur: BurstFallback}
}

// Record notes one write and re-evaluates the classification.
func (d *Detector) Record() {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.now().UnixMilli()
	d.writes = append(d.writes, t)
	if len(d.writes) > writeWindow {
		d.writes = d.writes[len(d.writes)-writeWindow:]
	}
	if len(d.writes) >= BurstCount {
		recent := d.writes[len(d.writes)-BurstCount:]
		inBurst := true
		for i := 1; i < len(recent); i++ {
			if recent[i]-recent[i-1] >= BurstThreshold.Milliseconds() {
				inBurst = false
				break
			}
		}
		if inBurst {
			d.burst = true
		}
	}
	if d.burst {
		if d.fallback != nil {
			d.fallback.Stop()
		}
		d.fallback = time.AfterFunc(d.fallbackDur, d.leaveBurst)
	}
}

func (d *Detector) leaveBurst() {
	d.mu.Lock()
	d.burst = false
	d.mu.Unlock()
}

// Agent reports whether the client is currently classified as an agent.
func (d *Detector) Agent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.burst
}

// AuthorType annotates outgoing diffs.
func (d *Detector) AuthorType() string {
	if d.Agent() {
		return wire.AuthorAgent
	}
	return wire.AuthorHuman
}

// LockType annotates emitted locks.
func (d *Detector) LockType() string {
	if d.Agent() {
		return wire.LockAgentWriting
	}
	return wire.LockEditing
}

// Debounce returns the current coalescing window.
func (d *Detector) Debounce() time.Duration {
	if d.Agent() {
		return BurstDebounce
	}
	return DebounceInterval
}
