// Package server exposes the Edit Engine over HTTP (spec.md §4.7). It is
// built the way the teacher's api.APIServer is built: an echo.Echo wrapped
// in a small struct, middleware.Recover plus a custom HTTPErrorHandler for
// a consistent JSON error body, and one handler method per route.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/edlgen/edlgen/internal/clock"
	"github.com/edlgen/edlgen/internal/decoder"
	"github.com/edlgen/edlgen/internal/edl"
	"github.com/edlgen/edlgen/internal/edllog"
	"github.com/edlgen/edlgen/internal/engine"
)

// defaultTimeout is the HTTP read/write timeout spec.md §5 "Timeouts"
// assigns by default.
const defaultTimeout = 5 * time.Second

// avChannelsJSON mirrors edl.AvChannels' wire shape (spec.md §6:
// "av_channels.video", "av_channels.audio").
type avChannelsJSON struct {
	Video bool  `json:"video"`
	Audio uint8 `json:"audio"`
}

func editKindToJSON(k edl.EditKind) string {
	switch k {
	case edl.Dissolve:
		return "dissolve"
	case edl.Wipe:
		return "wipe"
	default:
		return "cut"
	}
}

func editKindFromJSON(s string) (edl.EditKind, error) {
	switch s {
	case "", "cut":
		return edl.Cut, nil
	case "dissolve":
		return edl.Dissolve, nil
	case "wipe":
		return edl.Wipe, nil
	default:
		return 0, fmt.Errorf("unrecognized edit_type %q", s)
	}
}

// editRecordJSON mirrors edl.EditRecord's wire shape (spec.md §3, §6), with
// timecodes rendered as CMX3600-formatted strings.
type editRecordJSON struct {
	EventNumber    int            `json:"event_number"`
	SourceTape     string         `json:"source_tape"`
	AvChannels     avChannelsJSON `json:"av_channels"`
	EditType       string         `json:"edit_type"`
	DurationFrames uint32         `json:"edit_duration_frames,omitempty"`
	WipeNum        uint16         `json:"wipe_num,omitempty"`
	SrcIn          string         `json:"src_in"`
	SrcOut         string         `json:"src_out"`
	RecIn          string         `json:"rec_in"`
	RecOut         string         `json:"rec_out"`
}

func toEditRecordJSON(rec edl.EditRecord) editRecordJSON {
	return editRecordJSON{
		EventNumber: rec.EventNumber,
		SourceTape:  rec.SourceTape,
		AvChannels: avChannelsJSON{
			Video: rec.AvChannels.Video,
			Audio: rec.AvChannels.AudioChannels,
		},
		EditType:       editKindToJSON(rec.EditType.Kind),
		DurationFrames: rec.EditType.DurationFrames,
		WipeNum:        rec.EditType.WipeNum,
		SrcIn:          rec.SrcIn.String(),
		SrcOut:         rec.SrcOut.String(),
		RecIn:          rec.RecIn.String(),
		RecOut:         rec.RecOut.String(),
	}
}

func toEditRecordsJSON(recs []edl.EditRecord) []editRecordJSON {
	out := make([]editRecordJSON, len(recs))
	for i, r := range recs {
		out[i] = toEditRecordJSON(r)
	}
	return out
}

// eventRequest is the JSON body for POST /log, /end and /select-src
// (spec.md §6 field names). Pointer fields distinguish "omitted" (nil) from
// "explicitly provided", matching engine.Event's Has* convention.
type eventRequest struct {
	SourceTape     *string         `json:"source_tape"`
	AvChannels     *avChannelsJSON `json:"av_channels"`
	EditType       string          `json:"edit_type"`
	DurationFrames uint32          `json:"edit_duration_frames"`
	WipeNum        uint16          `json:"wipe_num"`
}

func (r eventRequest) toEngineEvent() (engine.Event, error) {
	kind, err := editKindFromJSON(r.EditType)
	if err != nil {
		return engine.Event{}, err
	}
	ev := engine.Event{
		EditType: engine.EditType{
			Kind:           kind,
			DurationFrames: r.DurationFrames,
			WipeNum:        r.WipeNum,
		},
	}
	if r.SourceTape != nil {
		ev.HasSourceTape = true
		ev.SourceTape = *r.SourceTape
	}
	if r.AvChannels != nil {
		ev.HasAvChannels = true
		ev.AvChannels = engine.AvChannels{Video: r.AvChannels.Video, AudioChannels: r.AvChannels.Audio}
	}
	return ev, nil
}

// responseBody is the shared response shape for every route (spec.md §4.7):
// recording_state is always set, edit is populated only by /log, final_edits
// only by /end.
type responseBody struct {
	RecordingState string           `json:"recording_state"`
	Edit           *editRecordJSON  `json:"edit"`
	FinalEdits     []editRecordJSON `json:"final_edits"`
}

// apiError is the echo.HTTPError.Message payload every handler error
// carries, so jsonErrorHandler can render the two-field body spec.md §9
// requires ({"error": "<kind>", "message": "<detail>"}) instead of
// collapsing kind and detail into one string.
type apiError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

// httpError builds an echo.HTTPError carrying an apiError body tagged with
// kind, for request-shape failures the engine never sees (malformed JSON,
// wrong Content-Type, bad edit_type) — these are ProtocolError/DataError
// per spec.md §7 even though they never reach internal/engine.
func httpError(code int, kind engine.ErrorKind, msg string) error {
	return echo.NewHTTPError(code, apiError{Kind: kind.String(), Message: msg})
}

// HealthStatus is the payload for GET /healthz (SPEC_FULL.md §3 supplement,
// grounded on rustyguts-bken/server/api.go's GET /health route).
type HealthStatus struct {
	RecordingState string `json:"recording_state"`
	DeviceOK       bool   `json:"device_ok"`
	LastFrameAgeMs int64  `json:"last_frame_age_ms"` // not set by handleHealthz; always 0
}

// Server wires the Edit Engine to an echo.Echo HTTP server (spec.md §4.7).
type Server struct {
	eng    *engine.Engine
	dec    *decoder.Decoder
	logger *slog.Logger
	echo   *echo.Echo
}

// New constructs a Server and registers all routes. dec drives GET
// /healthz's decoder-health reading; it may be nil where nothing reads
// that route (spec.md §4.7 supplemental).
func New(eng *engine.Engine, dec *decoder.Decoder, logger *slog.Logger) *Server {
	logger = edllog.Component(logger, "server")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = defaultTimeout
	e.Server.WriteTimeout = defaultTimeout

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{eng: eng, dec: dec, logger: logger, echo: e}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.POST("/start", s.handleStart)
	s.echo.POST("/log", s.handleLog)
	s.echo.POST("/end", s.handleEnd)
	s.echo.POST("/select-src", s.handleSelectSource)
	s.echo.GET("/edl-recording-state", s.handleRecordingState)
	s.echo.GET("/healthz", s.handleHealthz)
}

// Echo exposes the underlying echo.Echo for tests to drive requests
// against via httptest, without reaching into Server's unexported fields.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Run starts the HTTP listener on addr and blocks until ctx is cancelled,
// then closes the listener (spec.md §5 "Cancellation": in-flight requests
// complete, no new ones are accepted), grounded on
// rustyguts-bken/server/api.go's APIServer.Run.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.logger.Error("shutdown", "error", err)
	}
}

// bindJSON enforces spec.md §4.7's strict request parsing: POSTs with a
// body must carry Content-Type: application/json, and malformed JSON maps
// to 400.
func bindJSON(c echo.Context, dst interface{}) error {
	if c.Request().ContentLength > 0 {
		ct := c.Request().Header.Get(echo.HeaderContentType)
		if !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
			return httpError(http.StatusBadRequest, engine.ProtocolError, "Content-Type must be application/json")
		}
	}
	if err := c.Bind(dst); err != nil {
		return httpError(http.StatusBadRequest, engine.ProtocolError, "malformed JSON body")
	}
	return nil
}

func (s *Server) handleStart(c echo.Context) error {
	if err := s.eng.Start(); err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, responseBody{RecordingState: s.eng.RecordingState().String()})
}

func (s *Server) handleLog(c echo.Context) error {
	var req eventRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ev, err := req.toEngineEvent()
	if err != nil {
		return httpError(http.StatusUnprocessableEntity, engine.DataError, err.Error())
	}
	rec, err := s.eng.Log(ev)
	if err != nil {
		return mapEngineError(err)
	}
	edit := toEditRecordJSON(*rec)
	return c.JSON(http.StatusOK, responseBody{
		RecordingState: s.eng.RecordingState().String(),
		Edit:           &edit,
	})
}

func (s *Server) handleEnd(c echo.Context) error {
	var req eventRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ev, err := req.toEngineEvent()
	if err != nil {
		return httpError(http.StatusUnprocessableEntity, engine.DataError, err.Error())
	}
	rows, err := s.eng.End(ev)
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, responseBody{
		RecordingState: s.eng.RecordingState().String(),
		FinalEdits:     toEditRecordsJSON(rows),
	})
}

func (s *Server) handleSelectSource(c echo.Context) error {
	var req eventRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ev, err := req.toEngineEvent()
	if err != nil {
		return httpError(http.StatusUnprocessableEntity, engine.DataError, err.Error())
	}
	s.eng.SelectSource(ev)
	return c.JSON(http.StatusOK, responseBody{RecordingState: s.eng.RecordingState().String()})
}

func (s *Server) handleRecordingState(c echo.Context) error {
	return c.JSON(http.StatusOK, responseBody{RecordingState: s.eng.RecordingState().String()})
}

func (s *Server) handleHealthz(c echo.Context) error {
	status := HealthStatus{RecordingState: s.eng.RecordingState().String(), DeviceOK: true}
	if s.dec != nil {
		stats := s.dec.Stats()
		status.DeviceOK = stats.FramesDecoded > 0 || s.eng.RecordingState() != clock.Started
	}
	return c.JSON(http.StatusOK, status)
}

// mapEngineError converts an *engine.Error to the status code spec.md
// §4.7/§7 assigns its ErrorKind, mirroring the teacher's jsonErrorHandler
// pattern of inspecting the error's own type rather than string-matching.
// The Kind travels with the HTTPError (via apiError) so the response body
// carries it separately from the human-readable message.
func mapEngineError(err error) error {
	var eerr *engine.Error
	if !errors.As(err, &eerr) {
		return httpError(http.StatusInternalServerError, engine.ProtocolError, err.Error())
	}
	switch eerr.Kind {
	case engine.StateError:
		return httpError(http.StatusConflict, eerr.Kind, eerr.Error())
	case engine.DataError:
		return httpError(http.StatusUnprocessableEntity, eerr.Kind, eerr.Error())
	default: // IoError, DeviceError, ConfigError, ProtocolError
		return httpError(http.StatusInternalServerError, eerr.Kind, eerr.Error())
	}
}

// jsonErrorHandler ensures every error response carries the two-field body
// spec.md §9 requires ({"error": "<kind>", "message": "<detail>"}),
// grounded on rustyguts-bken/server/api.go's jsonErrorHandler (same
// Committed/HEAD guards, same "inspect the error's own type" approach).
// Handler errors built with httpError already carry an apiError as their
// echo.HTTPError.Message; anything else (echo's own 404/405, a recovered
// panic) is request-shape trouble with no engine-assigned kind, so it is
// tagged ProtocolError per spec.md §7.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	body := apiError{Kind: engine.ProtocolError.String(), Message: err.Error()}
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		switch m := he.Message.(type) {
		case apiError:
			body = m
		case string:
			body.Message = m
		default:
			body.Message = fmt.Sprintf("%v", m)
		}
	}
	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, body)
}
