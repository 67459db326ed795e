// Package tc implements SMPTE timecode arithmetic: construction, frame-count
// conversion, addition/subtraction, and CMX3600-style formatting, including
// drop-frame compensation for 29.97 and 59.94 fps.
//
// Every other EDLgen component goes through this package for timecode math;
// nothing outside it is allowed to special-case drop-frame arithmetic.
package tc

import (
	"errors"
	"fmt"
)

// FrameRate is one of the broadcast rates EDLgen recognizes.
type FrameRate int

const (
	Rate23_976 FrameRate = iota
	Rate24
	Rate25
	Rate29_97
	Rate30
	Rate59_94
	Rate60
)

// DropFrame selects whether a FrameRate uses drop-frame compensation.
type DropFrame int

const (
	NonDrop DropFrame = iota
	Drop
)

var (
	// ErrInvalidTimecode is returned when field values are out of range for
	// the given frame rate, or when a drop-frame timecode names a frame
	// number that drop-frame compensation skips.
	ErrInvalidTimecode = errors.New("invalid timecode")
	// ErrIncompatibleRates is returned for arithmetic between timecodes of
	// different (rate, drop) pairs.
	ErrIncompatibleRates = errors.New("incompatible frame rates")
	// ErrInvalidDropFrameConfig is returned when DropFrame is combined with
	// a rate other than 29.97 or 59.94.
	ErrInvalidDropFrameConfig = errors.New("drop-frame is only valid with 29.97 or 59.94 frame rates")
)

// NominalFPS is the nominal integer frame count per second used for display
// and drop-frame arithmetic.
func (r FrameRate) NominalFPS() int {
	switch r {
	case Rate23_976, Rate24:
		return 24
	case Rate25:
		return 25
	case Rate29_97, Rate30:
		return 30
	case Rate59_94, Rate60:
		return 60
	default:
		return 0
	}
}

// IsFractional reports whether the rate is one of the NTSC-derived
// fractional rates (23.976, 29.97, 59.94).
func (r FrameRate) IsFractional() bool {
	switch r {
	case Rate23_976, Rate29_97, Rate59_94:
		return true
	default:
		return false
	}
}

// SupportsDropFrame reports whether the rate may be combined with Drop.
func (r FrameRate) SupportsDropFrame() bool {
	return r == Rate29_97 || r == Rate59_94
}

func (r FrameRate) String() string {
	switch r {
	case Rate23_976:
		return "23.976"
	case Rate24:
		return "24"
	case Rate25:
		return "25"
	case Rate29_97:
		return "29.97"
	case Rate30:
		return "30"
	case Rate59_94:
		return "59.94"
	case Rate60:
		return "60"
	default:
		return "unknown"
	}
}

func (d DropFrame) String() string {
	if d == Drop {
		return "DF"
	}
	return "NDF"
}

// dropFramesPerMinute is the number of frame numbers skipped at the start of
// every minute that is not a multiple of ten.
func dropFramesPerMinute(rate FrameRate) int {
	switch rate {
	case Rate29_97:
		return 2
	case Rate59_94:
		return 4
	default:
		return 0
	}
}

// Timecode is a non-negative frame count since midnight paired with the
// (FrameRate, DropFrame) it was constructed against.
type Timecode struct {
	frames int64
	rate   FrameRate
	drop   DropFrame
}

func checkDropCompat(rate FrameRate, drop DropFrame) error {
	if drop == Drop && !rate.SupportsDropFrame() {
		return fmt.Errorf("%w: rate %s", ErrInvalidDropFrameConfig, rate)
	}
	return nil
}

// ValidateRateDrop reports whether drop is a legal pairing for rate. It is
// exported for config validation, which must reject a bad (rate, drop) pair
// before any Timecode is ever constructed.
func ValidateRateDrop(rate FrameRate, drop DropFrame) error {
	return checkDropCompat(rate, drop)
}

// ParseFrameRate parses the canonical string form of a FrameRate (as used in
// config files and CLI flags), e.g. "29.97", "25", "59.94".
func ParseFrameRate(s string) (FrameRate, error) {
	switch s {
	case "23.976":
		return Rate23_976, nil
	case "24":
		return Rate24, nil
	case "25":
		return Rate25, nil
	case "29.97":
		return Rate29_97, nil
	case "30":
		return Rate30, nil
	case "59.94":
		return Rate59_94, nil
	case "60":
		return Rate60, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized frame rate %q", ErrInvalidTimecode, s)
	}
}

// ParseDropFrame parses "drop"/"non-drop" (also accepting "df"/"ndf") into a
// DropFrame value.
func ParseDropFrame(s string) (DropFrame, error) {
	switch s {
	case "drop", "df", "true":
		return Drop, nil
	case "non-drop", "ndf", "false", "":
		return NonDrop, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized drop-frame setting %q", ErrInvalidTimecode, s)
	}
}

// Every ten-minute group (minutes [10k, 10k+9]) contains one full decade
// minute followed by nine minutes short by df frame labels each. Both
// Components and FromComponents are built around this grouping; for
// NonDrop, df is 0 and the grouping collapses to uniform fps*60 minutes.
func groupLen(fps, df int64) int64 {
	return fps*60 + 9*(fps*60-df)
}

// framesPerDay returns the number of distinct elapsed frames in a 24-hour
// window for (rate, drop), accounting for dropped frame numbers.
func framesPerDay(rate FrameRate, drop DropFrame) int64 {
	fps := int64(rate.NominalFPS())
	df := int64(0)
	if drop == Drop {
		df = int64(dropFramesPerMinute(rate))
	}
	const groupsPerDay = 144 // 1440 minutes/day / 10 minutes per group
	return groupsPerDay * groupLen(fps, df)
}

// FromFrames constructs a Timecode directly from an elapsed frame count
// (0-indexed, already accounting for dropped frame numbers under drop-frame
// rates). It fails with ErrInvalidTimecode if n is negative or exceeds one
// calendar day, and ErrInvalidDropFrameConfig for an incompatible pairing.
func FromFrames(n int64, rate FrameRate, drop DropFrame) (Timecode, error) {
	if err := checkDropCompat(rate, drop); err != nil {
		return Timecode{}, err
	}
	if n < 0 || n >= framesPerDay(rate, drop) {
		return Timecode{}, fmt.Errorf("%w: frame count %d out of range for %s %s", ErrInvalidTimecode, n, rate, drop)
	}
	return Timecode{frames: n, rate: rate, drop: drop}, nil
}

// FromComponents constructs a Timecode from displayed HH:MM:SS:FF fields.
// For drop-frame rates it rejects frame numbers that drop-frame
// compensation skips (e.g. frame 00 or 01 of minute 1 at 29.97 DF).
func FromComponents(h, m, s, f int, rate FrameRate, drop DropFrame) (Timecode, error) {
	if err := checkDropCompat(rate, drop); err != nil {
		return Timecode{}, err
	}
	fps := rate.NominalFPS()
	if h < 0 || h > 23 || m < 0 || m > 59 || s < 0 || s > 59 || f < 0 || f >= fps {
		return Timecode{}, fmt.Errorf("%w: %02d:%02d:%02d:%02d out of range for %s", ErrInvalidTimecode, h, m, s, f, rate)
	}

	df := int64(dropFramesPerMinute(rate))
	if drop == Drop && s == 0 && int64(f) < df && (m%10) != 0 {
		return Timecode{}, fmt.Errorf("%w: frame %02d of minute %d is dropped at %s drop-frame", ErrInvalidTimecode, f, m, rate)
	}

	fpsI := int64(fps)
	framesPerMin := fpsI*60 - df
	gLen := groupLen(fpsI, df)

	absMinute := int64(60*h + m)
	group := absMinute / 10
	minuteInGroup := absMinute % 10
	frameInSecField := fpsI*int64(s) + int64(f)

	var n int64
	if minuteInGroup == 0 {
		n = group*gLen + frameInSecField
	} else {
		n = group*gLen + fpsI*60 + (minuteInGroup-1)*framesPerMin + (frameInSecField - df)
	}

	return FromFrames(n, rate, drop)
}

// Frames returns the elapsed frame count since midnight.
func (t Timecode) Frames() int64 { return t.frames }

// Rate returns the timecode's frame rate.
func (t Timecode) Rate() FrameRate { return t.rate }

// DropFrame returns the timecode's drop-frame setting.
func (t Timecode) DropFrame() DropFrame { return t.drop }

// Components returns the displayed HH:MM:SS:FF fields, applying drop-frame
// compensation when t.DropFrame() == Drop.
func (t Timecode) Components() (h, m, s, f int) {
	fps := int64(t.rate.NominalFPS())
	df := int64(0)
	if t.drop == Drop {
		df = int64(dropFramesPerMinute(t.rate))
	}
	framesPerMin := fps*60 - df
	gLen := groupLen(fps, df)

	group := t.frames / gLen
	rem := t.frames % gLen

	var absMinute, frameOffset int64
	if rem < fps*60 {
		absMinute = group * 10
		frameOffset = rem
	} else {
		rem2 := rem - fps*60
		minuteInGroup := rem2/framesPerMin + 1
		frameOffset = rem2%framesPerMin + df
		absMinute = group*10 + minuteInGroup
	}

	h = int(absMinute / 60)
	m = int(absMinute % 60)
	s = int(frameOffset / fps)
	f = int(frameOffset % fps)
	return
}

// String formats the timecode as CMX3600 HH:MM:SS:FF, using ';' before the
// frame field when drop-frame.
func (t Timecode) String() string {
	h, m, s, f := t.Components()
	sep := ":"
	if t.drop == Drop {
		sep = ";"
	}
	return fmt.Sprintf("%02d:%02d:%02d%s%02d", h, m, s, sep, f)
}

// Add returns t shifted forward by n frames (n may be negative). Both
// operands must share the same (rate, drop) pair.
func (t Timecode) Add(n int64) (Timecode, error) {
	return FromFrames(t.frames+n, t.rate, t.drop)
}

// Sub returns the signed frame delta t - other. Both operands must share
// the same (rate, drop) pair.
func (t Timecode) Sub(other Timecode) (int64, error) {
	if t.rate != other.rate || t.drop != other.drop {
		return 0, fmt.Errorf("%w: %s/%s vs %s/%s", ErrIncompatibleRates, t.rate, t.drop, other.rate, other.drop)
	}
	return t.frames - other.frames, nil
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than
// other. Both operands must share the same (rate, drop) pair.
func (t Timecode) Compare(other Timecode) (int, error) {
	delta, err := t.Sub(other)
	if err != nil {
		return 0, err
	}
	switch {
	case delta < 0:
		return -1, nil
	case delta > 0:
		return 1, nil
	default:
		return 0, nil
	}
}
