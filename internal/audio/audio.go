// Package audio provides the Source abstraction that feeds mono float32
// samples to internal/decoder: a PortAudioSource backed by a real input
// device, built the way phase4-server's stream.go opens and tears down a
// portaudio.Stream, plus a FileSource test double for driving the decoder
// and engine deterministically without a sound card, grounded on the
// teacher's swappable-endpoint interface pattern (SipEndpoint/TgEndpoint
// both satisfying the media source/sink contract MediaBridge consumes).
package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

var (
	// ErrDeviceLost is returned when a named device cannot be resolved. It
	// is not returned for failures during capture: PortAudioSource has no
	// path that reports a mid-stream error.
	ErrDeviceLost = errors.New("audio: device lost")
	// ErrUnsupportedConfig is returned when the host API rejects the
	// requested stream parameters.
	ErrUnsupportedConfig = errors.New("audio: unsupported stream configuration")
	// ErrBadChannel is returned when input_channel_index is out of range
	// for the resolved device.
	ErrBadChannel = errors.New("audio: channel index out of range")
	ErrAlreadyRunning = errors.New("audio: already running")
	ErrNotRunning     = errors.New("audio: not running")
)

// DeviceInfo describes one enumerable input device (spec.md §4.3
// list_devices).
type DeviceInfo struct {
	ID                string
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

// Config is the per-session audio configuration (spec.md §4.3).
type Config struct {
	DeviceID     string
	InputChannel int
	SampleRate   float64
	BufferSize   int
}

// Callback receives one buffer of the selected channel's samples and the
// wall-clock time they were delivered. It runs on the audio thread for
// PortAudioSource: it must not block or allocate.
type Callback func(samples []float32, at time.Time)

// Source is the audio capture abstraction internal/engine depends on, so
// that tests can substitute FileSource for PortAudioSource.
type Source interface {
	Start(cb Callback) error
	Stop() error
	Close() error
	EffectiveBufferSize() int
}

// ListDevices enumerates input-capable PortAudio devices.
func ListDevices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, DeviceInfo{
			ID:                d.Name,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

// roundUpBufferSize rounds requested up to the next power of two, the
// quantization most PortAudio host APIs apply internally to period sizes;
// PortAudio's Go binding does not expose a discrete list of supported sizes
// to round against directly, so this is the effective size reported back to
// the caller per spec.md §4.3.
func roundUpBufferSize(requested int) int {
	if requested <= 0 {
		return 1
	}
	n := 1
	for n < requested {
		n <<= 1
	}
	return n
}

func resolveDevice(id string) (*portaudio.DeviceInfo, error) {
	if id == "" {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: device %q not found", ErrDeviceLost, id)
}

// PortAudioSource is the production Source, backed by a real input device.
type PortAudioSource struct {
	cfg    Config
	device *portaudio.DeviceInfo

	mu      sync.Mutex
	stream  *portaudio.Stream
	running atomic.Bool

	effectiveBufferSize int
	channelBuf          []float32 // preallocated at Start, reused every callback
}

// NewPortAudioSource resolves cfg.DeviceID and validates cfg.InputChannel
// against it, failing fast with ErrDeviceLost/ErrBadChannel before any
// stream is opened.
func NewPortAudioSource(cfg Config) (*PortAudioSource, error) {
	device, err := resolveDevice(cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	if cfg.InputChannel < 0 || cfg.InputChannel >= device.MaxInputChannels {
		return nil, fmt.Errorf("%w: channel %d, device %q has %d input channels",
			ErrBadChannel, cfg.InputChannel, device.Name, device.MaxInputChannels)
	}
	return &PortAudioSource{
		cfg:                 cfg,
		device:              device,
		effectiveBufferSize: roundUpBufferSize(cfg.BufferSize),
	}, nil
}

// EffectiveBufferSize returns the buffer size actually in use.
func (s *PortAudioSource) EffectiveBufferSize() int { return s.effectiveBufferSize }

// Start opens and starts the input stream, delivering the configured
// channel's samples to cb on every audio-thread callback.
func (s *PortAudioSource) Start(cb Callback) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	channels := s.device.MaxInputChannels
	target := s.cfg.InputChannel
	buf := make([]float32, s.effectiveBufferSize)
	s.channelBuf = buf

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   s.device,
			Channels: channels,
			Latency:  s.device.DefaultLowInputLatency,
		},
		SampleRate:      s.cfg.SampleRate,
		FramesPerBuffer: s.effectiveBufferSize,
	}

	onFrames := func(in []float32) {
		frames := len(in) / channels
		if frames > len(buf) {
			frames = len(buf)
		}
		for i := 0; i < frames; i++ {
			buf[i] = in[i*channels+target]
		}
		cb(buf[:frames], time.Now())
	}

	stream, err := portaudio.OpenStream(params, onFrames)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("%w: %v", ErrUnsupportedConfig, err)
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	if err := stream.Start(); err != nil {
		s.mu.Lock()
		_ = s.stream.Close()
		s.stream = nil
		s.mu.Unlock()
		s.running.Store(false)
		return fmt.Errorf("start stream: %w", err)
	}
	return nil
}

// Stop stops the stream, waiting for the last in-flight callback to return,
// but keeps the underlying handle for Close to release. Stop-then-Close
// mirrors phase4-server's stopAudioStream ordering.
func (s *PortAudioSource) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	return nil
}

// Close releases the stream. Safe to call whether or not Stop was called
// first.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	return err
}

// FileSource is a Source test double that replays a preloaded sequence of
// mono float32 samples on a background goroutine, without touching
// PortAudio. It lets engine and server tests exercise the full capture path
// deterministically.
type FileSource struct {
	samples    []float32
	bufferSize int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFileSource constructs a FileSource over samples, chunked into
// bufferSize pieces (rounded up the same way PortAudioSource would).
func NewFileSource(samples []float32, bufferSize int) *FileSource {
	return &FileSource{samples: samples, bufferSize: roundUpBufferSize(bufferSize)}
}

func (f *FileSource) EffectiveBufferSize() int { return f.bufferSize }

// Start delivers samples in EffectiveBufferSize chunks on a dedicated
// goroutine until exhausted or Stop is called. It does not simulate
// wall-clock audio pacing; tests that need to observe a growing clock
// across calls should call Start/Stop per chunk instead.
func (f *FileSource) Start(cb Callback) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return ErrAlreadyRunning
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	stopCh := f.stopCh
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			f.running = false
			f.mu.Unlock()
			close(f.doneCh)
		}()
		for off := 0; off < len(f.samples); off += f.bufferSize {
			select {
			case <-stopCh:
				return
			default:
			}
			end := off + f.bufferSize
			if end > len(f.samples) {
				end = len(f.samples)
			}
			cb(f.samples[off:end], time.Now())
		}
	}()
	return nil
}

// Stop signals the replay goroutine to halt and waits for it to exit.
func (f *FileSource) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return ErrNotRunning
	}
	f.running = false
	stopCh := f.stopCh
	doneCh := f.doneCh
	f.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}

// Close is a no-op for FileSource; it holds no OS resources.
func (f *FileSource) Close() error { return nil }
