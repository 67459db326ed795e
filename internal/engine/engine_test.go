package engine

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edlgen/edlgen/internal/audio"
	"github.com/edlgen/edlgen/internal/clock"
	"github.com/edlgen/edlgen/internal/config"
	"github.com/edlgen/edlgen/internal/decoder"
	"github.com/edlgen/edlgen/internal/edl"
	"github.com/edlgen/edlgen/internal/tc"
)

// sourceStub is a no-op audio.Source: it never invokes the callback it's
// given, letting tests drive the clock directly through publishFrame
// instead of synthesizing real LTC audio (decoder and audio each have
// their own unit tests for that path).
type sourceStub struct {
	startErr error
	stopErr  error
	started  bool
	starts   int
	stops    int
}

func (s *sourceStub) Start(audio.Callback) error {
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *sourceStub) Stop() error {
	s.stops++
	if s.stopErr != nil {
		return s.stopErr
	}
	s.started = false
	return nil
}

func (s *sourceStub) Close() error            { return nil }
func (s *sourceStub) EffectiveBufferSize() int { return 512 }

const testRate = tc.Rate25
const testDrop = tc.NonDrop

func mustTC(t *testing.T, h, m, s, f int) tc.Timecode {
	t.Helper()
	tcd, err := tc.FromComponents(h, m, s, f, testRate, testDrop)
	require.NoError(t, err)
	return tcd
}

func newTestEngine(t *testing.T) (*Engine, *sourceStub) {
	t.Helper()
	cfg := config.Config{
		ProjectName: "TestProject",
		StorageDir:  t.TempDir(),
		FrameRate:   testRate,
		DropFrame:   testDrop,
	}
	clk := clock.New(testRate)
	src := &sourceStub{}
	dec := decoder.New(48000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, clk, src, dec, logger), src
}

func Test_Log_BeforeStart_FailsNotRunning(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Log(Event{SourceTape: "A", HasSourceTape: true, AvChannels: AvChannels{Video: true}, HasAvChannels: true})
	var engErr *Error
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, StateError, engErr.Kind)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func Test_Log_BeforeFirstFrame_FailsNotRunning(t *testing.T) {
	eng, _ := newTestEngine(t)
	require.NoError(t, eng.Start())
	// Waiting, not yet Started: no frame has been decoded.
	_, err := eng.Log(Event{SourceTape: "A", HasSourceTape: true, AvChannels: AvChannels{Video: true}, HasAvChannels: true})
	assert.ErrorIs(t, err, ErrNotRunning)
}

// Test_CutChain reproduces spec.md §8 scenario 1: LOG(A)@02:15, LOG(B)@05:00,
// END(cut)@07:00, asserting the three emitted rows match the pairing rule.
func Test_CutChain(t *testing.T) {
	eng, _ := newTestEngine(t)
	require.NoError(t, eng.Start())

	origin := mustTC(t, 1, 0, 0, 0)
	eng.publishFrame(origin, time.Now())

	at1 := mustTC(t, 1, 0, 2, 15)
	eng.publishFrame(at1, time.Now())
	rec1, err := eng.Log(Event{
		SourceTape: "A", HasSourceTape: true,
		AvChannels: AvChannels{Video: true}, HasAvChannels: true,
		EditType: EditType{Kind: edl.Cut},
	})
	require.NoError(t, err)
	require.NotNil(t, rec1)
	assert.Equal(t, "A", rec1.SourceTape)
	assert.Equal(t, origin, rec1.SrcIn)
	assert.Equal(t, at1, rec1.SrcOut)
	assert.Equal(t, 1, rec1.EventNumber)

	at2 := mustTC(t, 1, 0, 5, 0)
	eng.publishFrame(at2, time.Now())
	rec2, err := eng.Log(Event{
		SourceTape: "B", HasSourceTape: true,
		AvChannels: AvChannels{Video: true}, HasAvChannels: true,
		EditType: EditType{Kind: edl.Cut},
	})
	require.NoError(t, err)
	assert.Equal(t, "B", rec2.SourceTape)
	assert.Equal(t, at1, rec2.SrcIn)
	assert.Equal(t, at2, rec2.SrcOut)
	assert.Equal(t, rec1.RecOut, rec2.RecIn)
	assert.Equal(t, 2, rec2.EventNumber)

	at3 := mustTC(t, 1, 0, 7, 0)
	eng.publishFrame(at3, time.Now())
	finalRecs, err := eng.End(Event{EditType: EditType{Kind: edl.Cut}})
	require.NoError(t, err)
	require.Len(t, finalRecs, 1)
	assert.Equal(t, blackTape, finalRecs[0].SourceTape)
	assert.Equal(t, at2, finalRecs[0].SrcIn)
	assert.Equal(t, at3, finalRecs[0].SrcOut)
	assert.Equal(t, 3, finalRecs[0].EventNumber)
	assert.Equal(t, clock.Stopped, eng.RecordingState())
}

// Test_Log_Dissolve_EmitsTwoRowsSharingTransition reproduces spec.md §8
// scenario 2's dissolve pair: the outgoing source's closing cut, followed
// by the incoming source's transition row spanning exactly the requested
// duration.
func Test_Log_Dissolve_EmitsTwoRowsSharingTransition(t *testing.T) {
	eng, _ := newTestEngine(t)
	require.NoError(t, eng.Start())

	eng.publishFrame(mustTC(t, 1, 0, 0, 0), time.Now())
	at1 := mustTC(t, 1, 0, 2, 15)
	eng.publishFrame(at1, time.Now())
	_, err := eng.Log(Event{
		SourceTape: "A", HasSourceTape: true,
		AvChannels: AvChannels{Video: true}, HasAvChannels: true,
		EditType: EditType{Kind: edl.Cut},
	})
	require.NoError(t, err)

	at2 := mustTC(t, 1, 0, 5, 0)
	eng.publishFrame(at2, time.Now())
	rec2, err := eng.Log(Event{
		SourceTape: "B", HasSourceTape: true,
		AvChannels: AvChannels{Video: true}, HasAvChannels: true,
		EditType: EditType{Kind: edl.Dissolve, DurationFrames: 18},
	})
	require.NoError(t, err)
	require.NotNil(t, rec2)
	// The returned record is the last of the pair: the dissolve row itself.
	assert.Equal(t, "B", rec2.SourceTape)
	assert.Equal(t, edl.Dissolve, rec2.EditType.Kind)
	assert.Equal(t, uint32(18), rec2.EditType.DurationFrames)
	assert.Equal(t, at2, rec2.SrcOut)
	delta, err := rec2.SrcOut.Sub(rec2.SrcIn)
	require.NoError(t, err)
	assert.Equal(t, int64(18), delta)
	assert.Equal(t, 3, rec2.EventNumber, "dissolve must consume two event numbers (cut row + transition row)")

	records := eng.session.writer.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "A", records[1].SourceTape)
	assert.Equal(t, edl.Cut, records[1].EditType.Kind)
	assert.Equal(t, at1, records[1].SrcIn)
	assert.Equal(t, at2, records[1].SrcOut)
	assert.Equal(t, records[1].RecOut, records[2].RecIn, "transition row continues the record timeline")
}

func Test_Log_MissingFieldWithoutPreselect_Fails(t *testing.T) {
	eng, _ := newTestEngine(t)
	require.NoError(t, eng.Start())
	eng.publishFrame(mustTC(t, 1, 0, 0, 0), time.Now())

	_, err := eng.Log(Event{EditType: EditType{Kind: edl.Cut}})
	var engErr *Error
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, DataError, engErr.Kind)
	assert.ErrorIs(t, err, ErrMissingField)
}

func Test_Log_UsesPreselectWhenFieldOmitted(t *testing.T) {
	eng, _ := newTestEngine(t)
	require.NoError(t, eng.Start())
	eng.publishFrame(mustTC(t, 1, 0, 0, 0), time.Now())

	eng.SelectSource(Event{
		SourceTape: "PRESEL", HasSourceTape: true,
		AvChannels: AvChannels{Video: true, AudioChannels: 2}, HasAvChannels: true,
	})

	eng.publishFrame(mustTC(t, 1, 0, 1, 0), time.Now())
	rec, err := eng.Log(Event{EditType: EditType{Kind: edl.Cut}})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "PRESEL", rec.SourceTape)
	assert.Equal(t, AvChannels{Video: true, AudioChannels: 2}, rec.AvChannels)
}

func Test_Log_InvalidDissolveDuration_Fails(t *testing.T) {
	eng, _ := newTestEngine(t)
	require.NoError(t, eng.Start())
	eng.publishFrame(mustTC(t, 1, 0, 0, 0), time.Now())

	_, err := eng.Log(Event{
		SourceTape: "A", HasSourceTape: true,
		AvChannels: AvChannels{Video: true}, HasAvChannels: true,
		EditType: EditType{Kind: edl.Dissolve, DurationFrames: 1000},
	})
	var engErr *Error
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, DataError, engErr.Kind)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func Test_End_WithoutAnyLog_CutsOriginToBlack(t *testing.T) {
	eng, src := newTestEngine(t)
	require.NoError(t, eng.Start())

	origin := mustTC(t, 1, 0, 0, 0)
	eng.publishFrame(origin, time.Now())
	end := mustTC(t, 1, 0, 3, 0)
	eng.publishFrame(end, time.Now())

	recs, err := eng.End(Event{EditType: EditType{Kind: edl.Cut}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, blackTape, recs[0].SourceTape)
	assert.Equal(t, origin, recs[0].SrcIn)
	assert.Equal(t, end, recs[0].SrcOut)
	assert.Equal(t, 1, src.stops)
}

func Test_End_WhenNotRunning_Fails(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.End(Event{EditType: EditType{Kind: edl.Cut}})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func Test_Start_Twice_FailsAlreadyRunning(t *testing.T) {
	eng, _ := newTestEngine(t)
	require.NoError(t, eng.Start())
	err := eng.Start()
	var engErr *Error
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, StateError, engErr.Kind)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func Test_SelectSource_NeverFailsInAnyState(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.SelectSource(Event{SourceTape: "X", HasSourceTape: true})
	assert.Equal(t, "X", eng.preselect.SourceTape)
	require.NoError(t, eng.Start())
	eng.SelectSource(Event{AvChannels: AvChannels{Video: true}, HasAvChannels: true})
	assert.True(t, eng.preselect.HasAvChannels)
}

func Test_Shutdown_FinalizesOpenSession(t *testing.T) {
	eng, src := newTestEngine(t)
	require.NoError(t, eng.Start())
	origin := mustTC(t, 1, 0, 0, 0)
	eng.publishFrame(origin, time.Now())

	eng.Shutdown()
	assert.Equal(t, clock.Stopped, eng.RecordingState())
	assert.Equal(t, 1, src.stops)
	assert.Nil(t, eng.session)
}

func Test_Shutdown_NoSession_IsNoOp(t *testing.T) {
	eng, src := newTestEngine(t)
	eng.Shutdown()
	assert.Equal(t, 0, src.stops)
}
