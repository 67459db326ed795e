// Package clock implements the single-writer/multi-reader Timecode Clock
// shared between the audio callback thread (writer) and HTTP request
// handlers (readers). It is a sequence lock over a small struct of scalars:
// the writer increments an odd sequence, stores fields, then increments to
// even; a reader retries if the sequence was odd or changed mid-read. No
// mutex is ever held across the publish, matching the audio-callback
// discipline spec.md §9 demands and the teacher's atomic-retry idiom in
// bridge.Service.allowCall.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/edlgen/edlgen/internal/tc"
)

// RecordingState mirrors spec.md §3.
type RecordingState int32

const (
	Stopped RecordingState = iota
	Waiting
	Started
)

func (s RecordingState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Started:
		return "started"
	default:
		return "stopped"
	}
}

// staleAfterFrames is the number of frame durations without an update after
// which Current reports Stale, per spec.md §4.4.
const staleAfterFrames = 2

// ClockSnapshot is a consistent, copyable view of the clock at a point in
// time.
type ClockSnapshot struct {
	HasFrame  bool
	LastFrame tc.Timecode
	UpdatedAt time.Time
	State     RecordingState
	Stale     bool
}

// Clock is the shared timecode state. Zero value is not usable; use New.
type Clock struct {
	seq atomic.Uint64

	hasFrame  atomic.Bool
	frames    atomic.Int64
	rate      atomic.Int32
	drop      atomic.Int32
	updatedAt atomic.Int64 // UnixNano
	state     atomic.Int32

	nominalFrameDur time.Duration
	now             func() time.Time
}

// New constructs a Clock for the given frame rate; nominalFrameDur is used
// for the staleness check in Current.
func New(rate tc.FrameRate) *Clock {
	return &Clock{
		nominalFrameDur: time.Second / time.Duration(rate.NominalFPS()),
		now:             time.Now,
	}
}

// SetState transitions the recording state. It is lock-free: state changes
// are a single atomic store and participate in the same sequence-locked
// publish as frame updates so readers never observe a state/frame pair from
// two different publishes.
func (c *Clock) SetState(state RecordingState) {
	c.beginWrite()
	c.state.Store(int32(state))
	c.endWrite()
}

// Publish stores a newly decoded frame and, if this is the first frame
// published since the last Stopped->Waiting transition, flips the state to
// Started. Called only from the audio callback; wait-free.
func (c *Clock) Publish(t tc.Timecode, at time.Time) {
	c.beginWrite()
	c.hasFrame.Store(true)
	c.frames.Store(t.Frames())
	c.rate.Store(int32(t.Rate()))
	c.drop.Store(int32(t.DropFrame()))
	c.updatedAt.Store(at.UnixNano())
	if RecordingState(c.state.Load()) == Waiting {
		c.state.Store(int32(Started))
	}
	c.endWrite()
}

func (c *Clock) beginWrite() {
	c.seq.Add(1) // now odd: a write is in progress
}

func (c *Clock) endWrite() {
	c.seq.Add(1) // now even: write complete
}

// Current returns a consistent snapshot, retrying if a write was observed
// in progress or in flight during the read.
func (c *Clock) Current() ClockSnapshot {
	for {
		seq0 := c.seq.Load()
		if seq0&1 == 1 {
			continue // writer in progress
		}

		hasFrame := c.hasFrame.Load()
		frames := c.frames.Load()
		rate := tc.FrameRate(c.rate.Load())
		drop := tc.DropFrame(c.drop.Load())
		updatedNano := c.updatedAt.Load()
		state := RecordingState(c.state.Load())

		seq1 := c.seq.Load()
		if seq0 != seq1 {
			continue // torn read, writer ran concurrently
		}

		snap := ClockSnapshot{
			HasFrame: hasFrame,
			State:    state,
		}
		if hasFrame {
			t, err := tc.FromFrames(frames, rate, drop)
			if err == nil {
				snap.LastFrame = t
			}
			updatedAt := time.Unix(0, updatedNano)
			snap.UpdatedAt = updatedAt
			snap.Stale = c.now().Sub(updatedAt) > time.Duration(staleAfterFrames)*c.nominalFrameDur
		}
		return snap
	}
}
