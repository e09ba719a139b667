// Tests for the agent-burst detector

package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nyroxsystems/partsync/wire"
)

// tickClock feeds the detector scripted write times.
type tickClock struct {
	t time.Time
}

func (c *tickClock) now() time.Time          { return c.t }
func (c *tickClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testDetector() (*Detector, *tickClock) {
	clock := &tickClock{t: time.UnixMilli(1_000_000)}
	d := NewDetector()
	d.now = clock.now
	return d, clock
}

func TestHumanByDefault(t *testing.T) {
	d, _ := testDetector()
	assert.False(t, d.Agent())
	assert.Equal(t, wire.AuthorHuman, d.AuthorType())
	assert.Equal(t, wire.LockEditing, d.LockType())
	assert.Equal(t, DebounceInterval, d.Debounce())
}

func TestBurstAfterThreeRapidWrites(t *testing.T) {
	d, clock := testDetector()
	// writes at t=0, 20, 40 ms: classified from the 3rd write on
	d.Record()
	assert.False(t, d.Agent())
	clock.advance(20 * time.Millisecond)
	d.Record()
	assert.False(t, d.Agent())
	clock.advance(20 * time.Millisecond)
	d.Record()
	assert.True(t, d.Agent())
	assert.Equal(t, wire.AuthorAgent, d.AuthorType())
	assert.Equal(t, wire.LockAgentWriting, d.LockType())
	assert.Equal(t, BurstDebounce, d.Debounce())
}

func TestSlowWritesStayHuman(t *testing.T) {
	d, clock := testDetector()
	for i := 0; i < 10; i++ {
		d.Record()
		clock.advance(100 * time.Millisecond)
	}
	assert.False(t, d.Agent())
}

func TestGapBreaksBurstWindow(t *testing.T) {
	d, clock := testDetector()
	d.Record()
	clock.advance(20 * time.Millisecond)
	d.Record()
	clock.advance(time.Second) // gap
	d.Record()
	assert.False(t, d.Agent())
	// two more rapid writes complete a fresh burst of three
	clock.advance(10 * time.Millisecond)
	d.Record()
	clock.advance(10 * time.Millisecond)
	d.Record()
	assert.True(t, d.Agent())
}

func TestFallbackRevertsToHuman(t *testing.T) {
	d, clock := testDetector()
	d.fallbackDur = 20 * time.Millisecond
	for i := 0; i < 3; i++ {
		d.Record()
		clock.advance(10 * time.Millisecond)
	}
	assert.True(t, d.Agent())
	// silence past the fallback reverts the classification
	time.Sleep(100 * time.Millisecond)
	assert.False(t, d.Agent())
}

func TestWindowBounded(t *testing.T) {
	d, clock := testDetector()
	for i := 0; i < 100; i++ {
		d.Record()
		clock.advance(time.Second)
	}
	d.mu.Lock()
	n := len(d.writes)
	d.mu.Unlock()
	assert.Equal(t, writeWindow, n)
}
