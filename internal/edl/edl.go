// Package edl writes and parses CMX3600 Edit Decision Lists (spec.md §4.5,
// §6). The writer's header/row formatting is grounded on the OTIO
// cmx3600.Encoder's writeHeader/writeEvent (fmt.Fprintf per-column,
// collapsed here to CMX3600's single-line-per-event form rather than OTIO's
// two-line-plus-comment variant), and Parse is grounded on the sibling
// cmx3600.Decoder's regex line-scan approach.
package edl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/edlgen/edlgen/internal/tc"
)

// ErrParse is returned for any EDL text that Parse cannot interpret.
var ErrParse = errors.New("edl: parse error")

// EditKind is the CMX3600 transition kind (spec.md §3 EditType).
type EditKind int

const (
	Cut EditKind = iota
	Dissolve
	Wipe
)

// EditType describes a transition. DurationFrames and WipeNum are ignored
// for Cut.
type EditType struct {
	Kind           EditKind
	DurationFrames uint32
	WipeNum        uint16 // defaults to 1 when zero and Kind == Wipe
}

// AvChannels selects the video/audio channel combination an edit covers
// (spec.md §3, serialized via the §6 channel code table).
type AvChannels struct {
	Video         bool
	AudioChannels uint8 // 0-4
}

// EditRecord is one fully-formed EDL row (spec.md §3).
type EditRecord struct {
	EventNumber int
	SourceTape  string
	AvChannels  AvChannels
	EditType    EditType
	SrcIn       tc.Timecode
	SrcOut      tc.Timecode
	RecIn       tc.Timecode
	RecOut      tc.Timecode
}

// channelCode renders the (video, audio_channels) pair to its CMX3600 code
// per spec.md §6: audio-only channels are numbered (A, A2, A3, A4) while
// video-combined channels are A/V for one audio channel and AA/V, AA3/V,
// AA4/V for two to four.
func channelCode(video bool, audioChannels int) string {
	if !video {
		if audioChannels <= 1 {
			return "A"
		}
		return fmt.Sprintf("A%d", audioChannels)
	}
	switch audioChannels {
	case 0:
		return "V"
	case 1:
		return "A/V"
	case 2:
		return "AA/V"
	default:
		return fmt.Sprintf("AA%d/V", audioChannels)
	}
}

func parseChannelCode(code string) (AvChannels, error) {
	switch code {
	case "V":
		return AvChannels{Video: true}, nil
	case "A":
		return AvChannels{AudioChannels: 1}, nil
	case "A2":
		return AvChannels{AudioChannels: 2}, nil
	case "A3":
		return AvChannels{AudioChannels: 3}, nil
	case "A4":
		return AvChannels{AudioChannels: 4}, nil
	case "A/V":
		return AvChannels{Video: true, AudioChannels: 1}, nil
	case "AA/V":
		return AvChannels{Video: true, AudioChannels: 2}, nil
	case "AA3/V":
		return AvChannels{Video: true, AudioChannels: 3}, nil
	case "AA4/V":
		return AvChannels{Video: true, AudioChannels: 4}, nil
	default:
		return AvChannels{}, fmt.Errorf("%w: unrecognized channel code %q", ErrParse, code)
	}
}

func transCode(et EditType) string {
	switch et.Kind {
	case Dissolve:
		return "D"
	case Wipe:
		n := et.WipeNum
		if n == 0 {
			n = 1
		}
		return fmt.Sprintf("W%03d", n)
	default:
		return "C"
	}
}

func parseEditType(trans, durStr string) (EditType, error) {
	switch {
	case trans == "C":
		return EditType{Kind: Cut}, nil
	case trans == "D":
		d, _ := strconv.Atoi(durStr)
		return EditType{Kind: Dissolve, DurationFrames: uint32(d)}, nil
	case len(trans) == 4 && trans[0] == 'W':
		n, err := strconv.Atoi(trans[1:])
		if err != nil {
			return EditType{}, fmt.Errorf("%w: bad wipe code %q", ErrParse, trans)
		}
		d, _ := strconv.Atoi(durStr)
		return EditType{Kind: Wipe, WipeNum: uint16(n), DurationFrames: uint32(d)}, nil
	default:
		return EditType{}, fmt.Errorf("%w: unrecognized transition code %q", ErrParse, trans)
	}
}

// Writer creates and appends to one CMX3600 EDL file for the session.
type Writer struct {
	path string
	f    *os.File
	drop tc.DropFrame

	mu      sync.Mutex
	records []EditRecord
}

// Create opens a new EDL file under storageDir named after projectName,
// applying the collision-suffixing rule from spec.md §4.5: if
// "<projectName>.edl" exists, try "<projectName>(1).edl",
// "<projectName>(2).edl", … choosing the smallest unused suffix. The file
// is created with O_EXCL so a concurrent creator can never overwrite
// another session's file.
func Create(storageDir, projectName string, drop tc.DropFrame) (*Writer, error) {
	path, f, err := createUnique(storageDir, projectName)
	if err != nil {
		return nil, err
	}
	w := &Writer{path: path, f: f, drop: drop}
	if err := w.writeHeader(projectName); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func createUnique(dir, project string) (string, *os.File, error) {
	candidate := filepath.Join(dir, project+".edl")
	for n := 1; ; n++ {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return candidate, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, fmt.Errorf("create edl file: %w", err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s(%d).edl", project, n))
	}
}

func (w *Writer) writeHeader(project string) error {
	fcm := "NON-DROP FRAME"
	if w.drop == tc.Drop {
		fcm = "DROP FRAME"
	}
	_, err := fmt.Fprintf(w.f, "TITLE: %s\nFCM: %s\n\n", project, fcm)
	if err != nil {
		return fmt.Errorf("write edl header: %w", err)
	}
	return nil
}

func formatRecord(rec EditRecord) string {
	chanCode := channelCode(rec.AvChannels.Video, int(rec.AvChannels.AudioChannels))
	trans := transCode(rec.EditType)
	dur := ""
	if rec.EditType.Kind != Cut {
		dur = fmt.Sprintf("%03d", rec.EditType.DurationFrames)
	}
	return fmt.Sprintf("%03d  %-8s %-5s %-4s %-3s %s %s %s %s",
		rec.EventNumber, rec.SourceTape, chanCode, trans, dur,
		rec.SrcIn.String(), rec.SrcOut.String(), rec.RecIn.String(), rec.RecOut.String())
}

// WriteRecord appends one row to the file and records it for Records().
func (w *Writer) WriteRecord(rec EditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintln(w.f, formatRecord(rec)); err != nil {
		return fmt.Errorf("write edl record: %w", err)
	}
	w.records = append(w.records, rec)
	return nil
}

// Path returns the session's immutable EDL file path.
func (w *Writer) Path() string { return w.path }

// Records returns a copy of every row written so far.
func (w *Writer) Records() []EditRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]EditRecord, len(w.records))
	copy(out, w.records)
	return out
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	return w.f.Close()
}

var recordLineRegex = regexp.MustCompile(
	`^(\d{3})\s+(\S+)\s+(\S+)\s+(\S+)(?:\s+(\d{3}))?\s+` +
		`(\d{2}:\d{2}:\d{2}[:;]\d{2})\s+(\d{2}:\d{2}:\d{2}[:;]\d{2})\s+` +
		`(\d{2}:\d{2}:\d{2}[:;]\d{2})\s+(\d{2}:\d{2}:\d{2}[:;]\d{2})\s*$`)

func parseTimecode(s string, rate tc.FrameRate) (tc.Timecode, error) {
	drop := tc.NonDrop
	if strings.ContainsRune(s, ';') {
		drop = tc.Drop
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ';' })
	if len(parts) != 4 {
		return tc.Timecode{}, fmt.Errorf("%w: malformed timecode %q", ErrParse, s)
	}
	fields := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return tc.Timecode{}, fmt.Errorf("%w: malformed timecode %q", ErrParse, s)
		}
		fields[i] = v
	}
	t, err := tc.FromComponents(fields[0], fields[1], fields[2], fields[3], rate, drop)
	if err != nil {
		return tc.Timecode{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return t, nil
}

// Parse reads a CMX3600 EDL and returns its rows, interpreting all
// timecodes at rate. It is not used by the runtime pipeline (spec.md's
// Non-goals exclude re-reading a project after the process exits); it
// exists to verify the writer's round-trip property in tests.
func Parse(r io.Reader, rate tc.FrameRate) ([]EditRecord, error) {
	scanner := bufio.NewScanner(r)
	var records []EditRecord
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "TITLE:") || strings.HasPrefix(line, "FCM:") {
			continue
		}
		m := recordLineRegex.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: unrecognized line %q", ErrParse, line)
		}

		eventNum, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad event number in %q", ErrParse, line)
		}
		channels, err := parseChannelCode(m[3])
		if err != nil {
			return nil, err
		}
		editType, err := parseEditType(m[4], m[5])
		if err != nil {
			return nil, err
		}
		srcIn, err := parseTimecode(m[6], rate)
		if err != nil {
			return nil, err
		}
		srcOut, err := parseTimecode(m[7], rate)
		if err != nil {
			return nil, err
		}
		recIn, err := parseTimecode(m[8], rate)
		if err != nil {
			return nil, err
		}
		recOut, err := parseTimecode(m[9], rate)
		if err != nil {
			return nil, err
		}

		records = append(records, EditRecord{
			EventNumber: eventNum,
			SourceTape:  m[2],
			AvChannels:  channels,
			EditType:    editType,
			SrcIn:       srcIn,
			SrcOut:      srcOut,
			RecIn:       recIn,
			RecOut:      recOut,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return records, nil
}
