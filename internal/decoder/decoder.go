// Package decoder implements a biphase-mark (Manchester) LTC decoder over
// mono float32 PCM: zero-crossing interval tracking against an adaptive bit
// period, framed by the 80-bit SMPTE 12M sync word. It is allocation-free
// on the steady-state path (Process only ever appends into the caller's
// preallocated dst slice) so it is safe to drive directly from the audio
// callback, matching spec.md §9's "preallocate decoder buffers at stream
// open" discipline and grounded on cwdecoder's atomic-flag / preallocated
// buffer pattern and the teacher's bridge/pcm fixed-capacity assembler
// shape.
package decoder

import (
	"math"
	"sync/atomic"
)

// syncWord is the 16-bit SMPTE 12M sync pattern "0011 1111 1111 1101" as it
// appears in the low 16 bits of the 80-bit shift register once a full LTC
// word has been received: frame bit 79, the last one transmitted, sits in
// bit 0 and frame bit 64 in bit 15.
const syncWord uint16 = 0x3FFD

// reverseSyncWord is syncWord's bit-reversal; seeing it instead indicates
// the source is playing in reverse.
const reverseSyncWord uint16 = 0xBFFC

// LtcFrame is one decoded LTC word (spec.md §3).
type LtcFrame struct {
	Hours          int
	Minutes        int
	Seconds        int
	Frames         int
	DropFlag       bool
	ColorFrameFlag bool
	ReverseFlag    bool
	SampleOffset   int
}

// Stats is a read-only snapshot of decoder health, exposed for /healthz.
type Stats struct {
	FramesDecoded uint64
	ResyncCount   uint64
	LastBitrateHz float64
}

// Decoder demodulates one mono LTC channel. The zero value is not usable;
// construct with New.
type Decoder struct {
	sampleRate float64

	prevPositive     bool
	haveSample       bool
	samplesSinceEdge int

	refPeriod    float64 // running estimate of the full bit-cell period, in samples
	pendingHalf  bool
	prevShortLen int

	calibrating bool
	calibMin    float64
	calibCount  int

	lo       uint64 // newest 64 bits of the 80-bit window (bit0 = most recent)
	hi       uint16 // oldest 16 bits of the 80-bit window
	bitsSeen int    // saturates at 80; used to know when the window is full

	locked bool

	framesDecoded atomic.Uint64
	resyncCount   atomic.Uint64
	lastBitHz     atomic.Uint64 // math.Float64bits of the last bit rate estimate
}

// calibTargetEdges is the number of edge intervals observed before the
// decoder commits to a bit-period estimate. LTC's data fields are never all
// the same value for this many consecutive bit cells in practice, so the
// shortest interval seen in the window is reliably a half-period pulse.
const calibTargetEdges = 40

// New constructs a Decoder for samples arriving at sampleRate Hz.
func New(sampleRate int) *Decoder {
	d := &Decoder{sampleRate: float64(sampleRate)}
	d.startCalibration()
	return d
}

func (d *Decoder) startCalibration() {
	d.calibrating = true
	d.calibMin = math.Inf(1)
	d.calibCount = 0
	d.refPeriod = 0
	d.pendingHalf = false
}

// maxLockLossSamples bounds how long the decoder waits for an edge before
// declaring lock lost (silence, disconnected input, or a signal far outside
// LTC's frequency range).
func (d *Decoder) maxLockLossSamples() float64 {
	if d.refPeriod <= 0 {
		return d.sampleRate // about one second, before any period estimate exists
	}
	return d.refPeriod * 8
}

// Process demodulates samples and appends any completed LtcFrames to dst,
// returning the grown slice (callers should pass a slice with spare
// capacity to stay allocation-free) and whether lock was lost during this
// call (spec.md §4.2 "DecoderReset").
func (d *Decoder) Process(samples []float32, dst []LtcFrame) ([]LtcFrame, bool) {
	lostLock := false
	for i, s := range samples {
		positive := s >= 0
		d.samplesSinceEdge++

		if !d.haveSample {
			d.haveSample = true
			d.prevPositive = positive
			continue
		}

		if positive == d.prevPositive {
			if float64(d.samplesSinceEdge) > d.maxLockLossSamples() {
				if d.locked {
					lostLock = true
					d.resyncCount.Add(1)
				}
				d.reset()
			}
			continue
		}

		interval := d.samplesSinceEdge
		d.samplesSinceEdge = 0
		d.prevPositive = positive

		if bit, ok := d.classify(interval); ok {
			frame, complete := d.pushBit(bit, i)
			if complete {
				d.locked = true
				d.framesDecoded.Add(1)
				dst = append(dst, frame)
			}
		}
	}
	return dst, lostLock
}

// classify turns an edge interval into a demodulated bit, if one completed.
// A short interval (~half the bit period) is the first or second half of a
// "1"; a long interval (~the full bit period) is a "0". Before any bit is
// classified, the decoder spends calibTargetEdges edges measuring the
// period: the shortest interval observed is taken as a half-period and
// doubled to seed refPeriod, which then adapts from every classified cell.
func (d *Decoder) classify(interval int) (bit int, ok bool) {
	if d.calibrating {
		d.calibCount++
		if float64(interval) < d.calibMin {
			d.calibMin = float64(interval)
		}
		if d.calibCount >= calibTargetEdges {
			d.refPeriod = d.calibMin * 2
			d.calibrating = false
		}
		return 0, false
	}

	short := float64(interval) < d.refPeriod*0.75

	if d.pendingHalf {
		d.pendingHalf = false
		if short {
			total := d.prevShortLen + interval
			d.updatePeriod(float64(total))
			return 1, true
		}
		// Expected the paired short pulse but saw a long one: treat the
		// stray short pulse as noise and resynchronize on this edge.
		d.pendingHalf = false
		d.prevShortLen = 0
		return 0, false
	}

	if short {
		d.pendingHalf = true
		d.prevShortLen = interval
		return 0, false
	}

	d.updatePeriod(float64(interval))
	return 0, true
}

func (d *Decoder) updatePeriod(period float64) {
	const smoothing = 0.875
	d.refPeriod = d.refPeriod*smoothing + period*(1-smoothing)
	if d.sampleRate > 0 {
		hz := d.sampleRate / d.refPeriod
		d.lastBitHz.Store(math.Float64bits(hz))
	}
}

// pushBit shifts bit into the 80-bit window and, once a full window has
// been seen, checks for the sync word at the low 16 bits. sampleIdx is the
// position within the current Process buffer, recorded as SampleOffset.
func (d *Decoder) pushBit(bit int, sampleIdx int) (LtcFrame, bool) {
	carry := d.lo >> 63
	d.lo = (d.lo << 1) | uint64(bit&1)
	d.hi = (d.hi << 1) | uint16(carry)
	if d.bitsSeen < 80 {
		d.bitsSeen++
	}
	if d.bitsSeen < 80 {
		return LtcFrame{}, false
	}

	tail := uint16(d.lo & 0xFFFF)
	switch tail {
	case syncWord:
		return d.decodeFrame(sampleIdx, false), true
	case reverseSyncWord:
		return d.decodeFrame(sampleIdx, true), true
	default:
		return LtcFrame{}, false
	}
}

// bitAt returns frame bit n (0-79, SMPTE 12M numbering; n=79 was pushed
// most recently) from the 80-bit window.
func (d *Decoder) bitAt(n int) int {
	age := 79 - n
	if age < 64 {
		return int((d.lo >> uint(age)) & 1)
	}
	return int((d.hi >> uint(age-64)) & 1)
}

// reverseBitAt mirrors bitAt for a reverse-played signal, where each data
// field's bit order (but not the sync word's position) is reversed.
func (d *Decoder) reverseBitAt(n int) int {
	return d.bitAt(63 - n)
}

func (d *Decoder) decodeFrame(sampleIdx int, reverse bool) LtcFrame {
	get := d.bitAt
	if reverse {
		get = d.reverseBitAt
	}

	bcd := func(unitsLo, unitsHi, tensLo, tensHi int) int {
		units := 0
		for n, w := unitsLo, 1; n < unitsHi; n, w = n+1, w*2 {
			units += get(n) * w
		}
		tens := 0
		for n, w := tensLo, 1; n < tensHi; n, w = n+1, w*2 {
			tens += get(n) * w
		}
		return tens*10 + units
	}

	return LtcFrame{
		Hours:          bcd(48, 52, 56, 58),
		Minutes:        bcd(32, 36, 40, 43),
		Seconds:        bcd(16, 20, 24, 27),
		Frames:         bcd(0, 4, 8, 10),
		DropFlag:       get(10) == 1,
		ColorFrameFlag: get(11) == 1,
		ReverseFlag:    reverse,
		SampleOffset:   sampleIdx,
	}
}

func (d *Decoder) reset() {
	d.lo, d.hi = 0, 0
	d.bitsSeen = 0
	d.locked = false
	d.startCalibration()
}

// Locked reports whether the decoder currently has bit and frame sync.
func (d *Decoder) Locked() bool { return d.locked }

// Stats returns a snapshot of decoder health counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		FramesDecoded: d.framesDecoded.Load(),
		ResyncCount:   d.resyncCount.Load(),
		LastBitrateHz: math.Float64frombits(d.lastBitHz.Load()),
	}
}
