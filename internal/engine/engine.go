// Package engine implements the Edit Engine (spec.md §4.6): the state
// machine that turns decoded timecode and operator events into CMX3600
// EditRecords. It is built the way the teacher's bridge.Service is built —
// a struct holding a mutex, a logger, and its collaborators (clock, audio
// source, decoder, EDL writer), with one method per externally-triggered
// operation following Service.handleIncomingSIP's "acquire, validate,
// mutate, respond" shape — adapted from call-bridging to edit-logging.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edlgen/edlgen/internal/audio"
	"github.com/edlgen/edlgen/internal/clock"
	"github.com/edlgen/edlgen/internal/config"
	"github.com/edlgen/edlgen/internal/decoder"
	"github.com/edlgen/edlgen/internal/edl"
	"github.com/edlgen/edlgen/internal/tc"
)

// blackTape is the source name END events always cut to (spec.md §4.6).
const blackTape = "BL"

// ErrorKind classifies an Error for HTTP status mapping (spec.md §7).
type ErrorKind int

const (
	ConfigError ErrorKind = iota
	DeviceError
	ProtocolError
	StateError
	DataError
	IoError
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigError:
		return "config_error"
	case DeviceError:
		return "device_error"
	case ProtocolError:
		return "protocol_error"
	case StateError:
		return "state_error"
	case DataError:
		return "data_error"
	case IoError:
		return "io_error"
	default:
		return "unknown_error"
	}
}

// Error wraps every failure the engine (and, for shared taxonomy, the HTTP
// layer) produces with the ErrorKind spec.md §7 maps to a status code.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

var (
	ErrAlreadyRunning  = errors.New("engine: session already started")
	ErrNotRunning      = errors.New("engine: no session started")
	ErrMissingField    = errors.New("engine: source_tape or av_channels omitted and no source preselected")
	ErrInvalidDuration = errors.New("engine: transition duration must be in 1..999 frames")
)

// AvChannels and EditType are re-exported spellings of the edl package's
// wire types, so callers of this package never need to import internal/edl
// directly just to build an Event.
type AvChannels = edl.AvChannels
type EditType = edl.EditType

// Event is one operator-triggered action (spec.md §4.6 log/end/select_source).
// HasSourceTape/HasAvChannels distinguish "omitted, fall back to preselect"
// from "explicitly provided", which a bare zero-value field cannot express.
type Event struct {
	SourceTape    string
	HasSourceTape bool
	AvChannels    AvChannels
	HasAvChannels bool
	EditType      EditType
}

// Preselect is the operator's standing source choice (spec.md §4.6
// select_source), used when a LOG/END event omits source_tape/av_channels.
type Preselect struct {
	SourceTape    string
	HasSourceTape bool
	AvChannels    AvChannels
	HasAvChannels bool
}

// EngineEventKind classifies a value delivered on Events().
type EngineEventKind int

const (
	SessionStarted EngineEventKind = iota
	EditLogged
	SessionEnded
)

// EngineEvent is one notification posted to Events() for the GUI status
// consumer (spec.md §1, §9 "Design Notes" message-passing note). Records is
// empty for SessionStarted.
type EngineEvent struct {
	Kind    EngineEventKind
	Records []edl.EditRecord
}

type pendingEdit struct {
	sourceTape string
	avChannels AvChannels
	inPoint    tc.Timecode
}

// session holds everything specific to one open recording (spec.md §3
// RecordingSession).
type session struct {
	writer *edl.Writer
	rate   tc.FrameRate
	drop   tc.DropFrame

	nextEvent    int
	haveCursor   bool
	recordCursor tc.Timecode

	pending *pendingEdit
}

// appendRow writes one EDL row spanning [srcIn, srcOut), advancing the
// session's record-timeline cursor by the same frame delta (spec.md §4.6
// "Record timeline"). The very first row of a session starts the record
// timeline at 01:00:00:00.
func (s *session) appendRow(tape string, channels AvChannels, et EditType, srcIn, srcOut tc.Timecode) (edl.EditRecord, error) {
	delta, err := srcOut.Sub(srcIn)
	if err != nil {
		return edl.EditRecord{}, err
	}

	recIn := s.recordCursor
	if !s.haveCursor {
		recIn, err = tc.FromComponents(1, 0, 0, 0, s.rate, s.drop)
		if err != nil {
			return edl.EditRecord{}, err
		}
	}
	recOut, err := recIn.Add(delta)
	if err != nil {
		return edl.EditRecord{}, err
	}

	s.nextEvent++
	rec := edl.EditRecord{
		EventNumber: s.nextEvent,
		SourceTape:  tape,
		AvChannels:  channels,
		EditType:    et,
		SrcIn:       srcIn,
		SrcOut:      srcOut,
		RecIn:       recIn,
		RecOut:      recOut,
	}
	if err := s.writer.WriteRecord(rec); err != nil {
		return edl.EditRecord{}, err
	}
	s.recordCursor = recOut
	s.haveCursor = true
	return rec, nil
}

// Engine is the Edit Engine. Construct with New; the zero value is not
// usable.
type Engine struct {
	logger *slog.Logger
	cfg    config.Config
	clk    *clock.Clock
	src    audio.Source
	dec    *decoder.Decoder

	// originSet/originFrames let the audio callback record the session's
	// first decoded timecode without taking mu, matching the callback
	// discipline clock.Clock itself uses.
	originSet    atomic.Bool
	originFrames atomic.Int64

	frameScratch []decoder.LtcFrame

	mu        sync.Mutex
	session   *session
	preselect Preselect

	events chan EngineEvent
}

// New constructs an Engine over its collaborators. clk, src and dec are
// expected to be long-lived (constructed once by main and reused across
// Start/End cycles); cfg is the frozen Configuration object (spec.md §6)
// a session opens against.
func New(cfg config.Config, clk *clock.Clock, src audio.Source, dec *decoder.Decoder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:       logger,
		cfg:          cfg,
		clk:          clk,
		src:          src,
		dec:          dec,
		frameScratch: make([]decoder.LtcFrame, 0, 8),
		events:       make(chan EngineEvent, 16),
	}
}

// Events returns the observer channel the GUI status consumer reads from
// (spec.md §9 "Design Notes" message-passing note, SPEC_FULL.md §4.6
// supplement). The engine never blocks waiting for a reader: a full channel
// drops the event and logs a warning.
func (e *Engine) Events() <-chan EngineEvent { return e.events }

func (e *Engine) emit(ev EngineEvent) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("engine event channel full, dropping notification", "kind", ev.Kind)
	}
}

// onSamples is the audio callback: it must not block, allocate, or perform
// I/O (spec.md §5). It demodulates LTC and publishes completed frames to
// the Timecode Clock, reusing e.frameScratch so no slice is ever allocated
// on this path.
func (e *Engine) onSamples(samples []float32, at time.Time) {
	frames, _ := e.dec.Process(samples, e.frameScratch[:0])
	for _, f := range frames {
		t, err := tc.FromComponents(f.Hours, f.Minutes, f.Seconds, f.Frames, e.cfg.FrameRate, e.cfg.DropFrame)
		if err != nil {
			continue
		}
		e.publishFrame(t, at)
	}
	e.frameScratch = frames[:0]
}

// publishFrame records the session origin on the first call since Start,
// then publishes t to the Timecode Clock. Split out of onSamples so tests
// can drive the clock with known timecodes without a real decoder/audio
// pipeline.
func (e *Engine) publishFrame(t tc.Timecode, at time.Time) {
	if e.originSet.CompareAndSwap(false, true) {
		e.originFrames.Store(t.Frames())
	}
	e.clk.Publish(t, at)
}

// Start opens a new EDL file and begins audio capture (spec.md §4.6
// start). It fails with StateError if a session is already open, IoError if
// the file cannot be created, and DeviceError if the audio stream cannot be
// opened.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.clk.Current().State != clock.Stopped {
		return NewError(StateError, fmt.Errorf("start: %w", ErrAlreadyRunning))
	}

	writer, err := edl.Create(e.cfg.StorageDir, e.cfg.ProjectName, e.cfg.DropFrame)
	if err != nil {
		return NewError(IoError, fmt.Errorf("start: %w", err))
	}

	e.session = &session{writer: writer, rate: e.cfg.FrameRate, drop: e.cfg.DropFrame}
	e.originSet.Store(false)
	e.originFrames.Store(0)
	e.clk.SetState(clock.Waiting)

	if err := e.src.Start(e.onSamples); err != nil {
		_ = writer.Close()
		e.session = nil
		e.clk.SetState(clock.Stopped)
		return NewError(DeviceError, fmt.Errorf("start: %w", err))
	}

	e.logger.Info("recording session started", "project", e.cfg.ProjectName, "path", writer.Path())
	e.emit(EngineEvent{Kind: SessionStarted})
	return nil
}

// resolveSource fills in tape/channels from ev, falling back to the
// preselected source for whichever field ev omits (spec.md §4.6 "Preselect
// fallback"). It fails with ErrMissingField if a field is omitted with no
// matching preselect.
func (e *Engine) resolveSource(ev Event) (string, AvChannels, error) {
	tape := ev.SourceTape
	if !ev.HasSourceTape {
		if !e.preselect.HasSourceTape {
			return "", AvChannels{}, ErrMissingField
		}
		tape = e.preselect.SourceTape
	}
	channels := ev.AvChannels
	if !ev.HasAvChannels {
		if !e.preselect.HasAvChannels {
			return "", AvChannels{}, ErrMissingField
		}
		channels = e.preselect.AvChannels
	}
	return tape, channels, nil
}

func validateTransition(et EditType) error {
	if et.Kind == edl.Cut {
		return nil
	}
	if et.DurationFrames < 1 || et.DurationFrames > 999 {
		return ErrInvalidDuration
	}
	return nil
}

// primePending seeds the first pending edit of a session: its in-point is
// the session's first decoded timecode (the "session origin", spec.md §4.6
// "Pairing rule"), falling back to now if no frame has been observed yet
// (e.g. an operator presses LOG in the same instant lock is acquired).
// Its source/channels come from the preselect in effect at the time of the
// call, or the empty value if nothing is preselected.
func (e *Engine) primePending(now tc.Timecode) *pendingEdit {
	origin := now
	if e.originSet.Load() {
		if t, err := tc.FromFrames(e.originFrames.Load(), e.cfg.FrameRate, e.cfg.DropFrame); err == nil {
			origin = t
		}
	}
	p := &pendingEdit{inPoint: origin}
	if e.preselect.HasSourceTape {
		p.sourceTape = e.preselect.SourceTape
	}
	if e.preselect.HasAvChannels {
		p.avChannels = e.preselect.AvChannels
	}
	return p
}

// closePending emits the row(s) that close sess.pending at closeAt. A Cut
// closes with a single row carrying the incoming tape/channels. A
// Dissolve/Wipe closes with two rows (spec.md §4.6 "Two-row transitions"):
// first a Cut on the outgoing (pending) source up to closeAt, then the
// transition row bringing in the new source, spanning exactly
// et.DurationFrames ending at closeAt.
func (e *Engine) closePending(sess *session, tape string, channels AvChannels, et EditType, closeAt tc.Timecode) ([]edl.EditRecord, error) {
	p := sess.pending

	if et.Kind == edl.Cut {
		row, err := sess.appendRow(tape, channels, et, p.inPoint, closeAt)
		if err != nil {
			return nil, err
		}
		return []edl.EditRecord{row}, nil
	}

	cutRow, err := sess.appendRow(p.sourceTape, p.avChannels, EditType{Kind: edl.Cut}, p.inPoint, closeAt)
	if err != nil {
		return nil, err
	}
	srcIn, err := closeAt.Add(-int64(et.DurationFrames))
	if err != nil {
		return nil, err
	}
	transRow, err := sess.appendRow(tape, channels, et, srcIn, closeAt)
	if err != nil {
		return nil, err
	}
	return []edl.EditRecord{cutRow, transRow}, nil
}

// Log handles a LOG event (spec.md §4.6 log). It requires an open session
// with at least one decoded frame (RecordingState Started). Every call
// emits the row(s) closing the current pending edit and opens the next;
// the first call of a session closes a pending edit implicitly primed at
// the session's origin timecode (spec.md §4.6 "Pairing rule").
func (e *Engine) Log(ev Event) (*edl.EditRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.clk.Current()
	if e.session == nil || snap.State != clock.Started {
		return nil, NewError(StateError, fmt.Errorf("log: %w", ErrNotRunning))
	}
	if err := validateTransition(ev.EditType); err != nil {
		return nil, NewError(DataError, fmt.Errorf("log: %w", err))
	}
	tape, channels, err := e.resolveSource(ev)
	if err != nil {
		return nil, NewError(DataError, fmt.Errorf("log: %w", err))
	}

	sess := e.session
	now := snap.LastFrame

	if sess.pending == nil {
		// First LOG of the session: pending is primed at the session
		// origin (spec.md §4.6 "Pairing rule") rather than left empty, so
		// this call closes it exactly like any other and emits a row.
		sess.pending = e.primePending(now)
	}

	rows, err := e.closePending(sess, tape, channels, ev.EditType, now)
	if err != nil {
		return nil, NewError(IoError, fmt.Errorf("log: %w", err))
	}
	sess.pending = &pendingEdit{sourceTape: tape, avChannels: channels, inPoint: now}

	last := rows[len(rows)-1]
	e.emit(EngineEvent{Kind: EditLogged, Records: rows})
	return &last, nil
}

// End handles an END event (spec.md §4.6 end): it closes the current
// pending edit with a cut to black, closes the EDL file, stops audio
// capture, and returns the engine to Stopped. END ignores ev.SourceTape
// and ev.AvChannels (it always cuts to "BL", carrying over the pending
// edit's own channel configuration) but honors ev.EditType's transition
// kind/duration.
func (e *Engine) End(ev Event) ([]edl.EditRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.clk.Current()
	sess := e.session
	if sess == nil || snap.State != clock.Started {
		return nil, NewError(StateError, fmt.Errorf("end: %w", ErrNotRunning))
	}
	if err := validateTransition(ev.EditType); err != nil {
		return nil, NewError(DataError, fmt.Errorf("end: %w", err))
	}

	now := snap.LastFrame
	if sess.pending == nil {
		sess.pending = e.primePending(now)
	}
	channels := sess.pending.avChannels

	rows, err := e.closePending(sess, blackTape, channels, ev.EditType, now)
	if err != nil {
		return nil, NewError(IoError, fmt.Errorf("end: %w", err))
	}
	if err := sess.writer.Close(); err != nil {
		return nil, NewError(IoError, fmt.Errorf("end: close edl file: %w", err))
	}
	if err := e.src.Stop(); err != nil {
		e.logger.Warn("stop audio source on end", "error", err)
	}
	e.clk.SetState(clock.Stopped)
	e.session = nil

	e.emit(EngineEvent{Kind: SessionEnded, Records: rows})
	return rows, nil
}

// SelectSource handles a select_source event (spec.md §4.6
// select_source): it updates the standing preselect and never fails,
// regardless of recording state.
func (e *Engine) SelectSource(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.HasSourceTape {
		e.preselect.SourceTape = ev.SourceTape
		e.preselect.HasSourceTape = true
	}
	if ev.HasAvChannels {
		e.preselect.AvChannels = ev.AvChannels
		e.preselect.HasAvChannels = true
	}
}

// RecordingState returns the current recording state (spec.md §4.6
// recording_state), read directly off the Timecode Clock.
func (e *Engine) RecordingState() clock.RecordingState {
	return e.clk.Current().State
}

// Shutdown finalizes an open session at process exit: it stops audio
// capture first, then performs an implicit END cutting to black at the last
// observed timecode and closes the EDL file (spec.md §5 "Cancellation"). It
// is a no-op if no session is open. Caller
// is responsible for having already closed the HTTP listener so no further
// Log/End calls can race this.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.session
	if sess == nil {
		return
	}
	if err := e.src.Stop(); err != nil {
		e.logger.Warn("stop audio source on shutdown", "error", err)
	}
	snap := e.clk.Current()
	if snap.HasFrame {
		if sess.pending == nil {
			sess.pending = e.primePending(snap.LastFrame)
		}
		channels := sess.pending.avChannels
		if _, err := e.closePending(sess, blackTape, channels, EditType{Kind: edl.Cut}, snap.LastFrame); err != nil {
			e.logger.Error("finalize session on shutdown", "error", err)
		}
	}
	if err := sess.writer.Close(); err != nil {
		e.logger.Error("close edl file on shutdown", "error", err)
	}
	e.clk.SetState(clock.Stopped)
	e.session = nil
}
