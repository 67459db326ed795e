package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setBits writes width bits of value into bits[start:start+width], LSB
// first, matching decodeFrame's bcd() field-reading convention.
func setBits(bits []int, start, width, value int) {
	for i := 0; i < width; i++ {
		bits[start+i] = (value >> uint(i)) & 1
	}
}

// syncWordBits is the SMPTE 12M sync pattern occupying frame bits 64-79, in
// transmission order.
var syncWordBits = []int{0, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 1}

func ltcFrameBits(hours, minutes, seconds, frames int, drop, colorFrame bool) []int {
	bits := make([]int, 80)
	setBits(bits, 0, 4, frames%10)
	setBits(bits, 8, 2, frames/10)
	if drop {
		bits[10] = 1
	}
	if colorFrame {
		bits[11] = 1
	}
	setBits(bits, 16, 4, seconds%10)
	setBits(bits, 24, 3, seconds/10)
	setBits(bits, 32, 4, minutes%10)
	setBits(bits, 40, 3, minutes/10)
	setBits(bits, 48, 4, hours%10)
	setBits(bits, 56, 2, hours/10)
	copy(bits[64:80], syncWordBits)
	return bits
}

// encodeBiphase renders frame bits as biphase-mark (Manchester) samples: a
// transition always occurs at the start of each bit cell, and a "1" adds a
// second transition at the cell's midpoint.
func encodeBiphase(bits []int, samplesPerBit int) []float32 {
	samples := make([]float32, 0, len(bits)*samplesPerBit)
	sign := float32(1)
	half := samplesPerBit / 2
	for _, b := range bits {
		sign = -sign
		if b == 1 {
			for i := 0; i < half; i++ {
				samples = append(samples, sign)
			}
			sign = -sign
			for i := 0; i < samplesPerBit-half; i++ {
				samples = append(samples, sign)
			}
		} else {
			for i := 0; i < samplesPerBit; i++ {
				samples = append(samples, sign)
			}
		}
	}
	return samples
}

func repeatBits(bits []int, times int) []int {
	out := make([]int, 0, len(bits)*times)
	for i := 0; i < times; i++ {
		out = append(out, bits...)
	}
	return out
}

func findFrame(frames []LtcFrame, want LtcFrame) bool {
	for _, f := range frames {
		f.SampleOffset = 0
		if f == want {
			return true
		}
	}
	return false
}

func Test_Process_DecodesRepeatedFrame(t *testing.T) {
	bits := ltcFrameBits(12, 34, 56, 7, false, false)
	samples := encodeBiphase(repeatBits(bits, 4), 40)

	d := New(48000)
	dst, _ := d.Process(samples, make([]LtcFrame, 0, 8))

	require.NotEmpty(t, dst, "expected at least one frame to be decoded")
	assert.True(t, findFrame(dst, LtcFrame{
		Hours: 12, Minutes: 34, Seconds: 56, Frames: 7,
	}), "decoded frames did not contain the expected timecode: %+v", dst)
	assert.True(t, d.Locked())
}

func Test_Process_DecodesDropAndColorFrameFlags(t *testing.T) {
	bits := ltcFrameBits(1, 2, 3, 4, true, true)
	samples := encodeBiphase(repeatBits(bits, 4), 40)

	d := New(48000)
	dst, _ := d.Process(samples, make([]LtcFrame, 0, 8))

	require.NotEmpty(t, dst)
	assert.True(t, findFrame(dst, LtcFrame{
		Hours: 1, Minutes: 2, Seconds: 3, Frames: 4,
		DropFlag: true, ColorFrameFlag: true,
	}))
}

func Test_Process_ReportsLockLossAfterSilence(t *testing.T) {
	bits := ltcFrameBits(1, 2, 3, 4, true, true)
	samples := encodeBiphase(repeatBits(bits, 4), 40)

	d := New(48000)
	dst, lost := d.Process(samples, make([]LtcFrame, 0, 8))
	require.NotEmpty(t, dst)
	assert.False(t, lost, "should not report lock loss while frames are arriving")
	require.True(t, d.Locked())

	silence := make([]float32, 48000)
	_, lost = d.Process(silence, make([]LtcFrame, 0, 8))
	assert.True(t, lost, "a full second of silence after lock must report lock loss")
	assert.False(t, d.Locked())
}

func Test_Stats_ReportsDecodedFrameCount(t *testing.T) {
	bits := ltcFrameBits(0, 0, 1, 0, false, false)
	samples := encodeBiphase(repeatBits(bits, 5), 40)

	d := New(48000)
	d.Process(samples, make([]LtcFrame, 0, 8))

	stats := d.Stats()
	assert.GreaterOrEqual(t, stats.FramesDecoded, uint64(1))
}
