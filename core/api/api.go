// Package api exposes the process state and the operator commands over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/tempctl/base/metrics"
	"example.com/tempctl/core/control"
	"example.com/tempctl/core/process"
)

const (
	maxBodyLen      = 1024
	shutdownTimeout = 5 * time.Second
)

var timingPercentiles = []float64{50, 90, 99, 100}

// Controller is the command surface of the control loop.
type Controller interface {
	Snapshot() process.State
	ControllerState() control.State
	SetSetpointText(ctx context.Context, text string) error
	EnableHeater(ctx context.Context, on bool) error
	EnablePump(ctx context.Context, on bool) error
}

// TimingFunc returns recorded durations at the given percentiles (0-100).
type TimingFunc func(percentiles ...float64) []time.Duration

type apiMetrics struct {
	reqsServed *prometheus.CounterVec
	streamSubs prometheus.Gauge
}

var mtrcs atomic.Pointer[apiMetrics]

func init() {
	mtrcs.Store(&apiMetrics{
		reqsServed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.APIReqsServedN,
			Help: metrics.APIReqsServedH,
		}, []string{"route", "code"}),
		streamSubs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.APIStreamSubsN,
			Help: metrics.APIStreamSubsH,
		}),
	})
}

type Server struct {
	log     *zap.Logger
	ctrl    Controller
	timings map[string]TimingFunc
	hub     *hub
	router  *mux.Router
}

type controllerJSON struct {
	KP         float64   `json:"kp"`
	KI         float64   `json:"ki"`
	MinOutput  float64   `json:"minOutput"`
	MaxOutput  float64   `json:"maxOutput"`
	Integral   float64   `json:"integral"`
	LastSample time.Time `json:"lastSample"`
	LastOutput float64   `json:"lastOutput"`
}

type stateJSON struct {
	process.State
	Controller controllerJSON `json:"controller"`
}

type enableJSON struct {
	Enabled *bool `json:"enabled"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func New(log *zap.Logger, ctrl Controller, timings map[string]TimingFunc) *Server {
	s := &Server{
		log:     log,
		ctrl:    ctrl,
		timings: timings,
		hub:     newHub(log),
		router:  mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.handle(http.MethodGet, "/api/v1/state", s.getState)
	s.handle(http.MethodPut, "/api/v1/setpoint", s.putSetpoint)
	s.handle(http.MethodPut, "/api/v1/heater", s.putHeater)
	s.handle(http.MethodPut, "/api/v1/pump", s.putPump)
	s.handle(http.MethodGet, "/api/v1/timing", s.getTiming)
	s.router.HandleFunc("/api/v1/stream", s.getStream).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(method, path string, h http.HandlerFunc) {
	s.router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		mtrcs.Load().reqsServed.WithLabelValues(path, http.StatusText(rec.code)).Inc()
	}).Methods(method)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Publish pushes st to all stream subscribers. It never blocks and can be
// registered as a loop observer.
func (s *Server) Publish(st process.State) {
	s.hub.publish(st)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.log.Info("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorJSON{Error: err.Error()})
}

func (s *Server) state() stateJSON {
	c := s.ctrl.ControllerState()
	return stateJSON{
		State: s.ctrl.Snapshot(),
		Controller: controllerJSON{
			KP:         c.KP,
			KI:         c.KI,
			MinOutput:  c.MinOutput,
			MaxOutput:  c.MaxOutput,
			Integral:   c.Integral,
			LastSample: c.LastSample,
			LastOutput: c.LastOutput,
		},
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state())
}

func commandStatus(err error) int {
	var cfgErr *process.ConfigError
	var rngErr *process.RangeError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &rngErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) putSetpoint(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyLen))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	err = s.ctrl.SetSetpointText(r.Context(), strings.TrimSpace(string(body)))
	if err != nil {
		s.writeError(w, commandStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) putEnable(w http.ResponseWriter, r *http.Request,
	enable func(ctx context.Context, on bool) error) {
	var req enableJSON
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyLen)).Decode(&req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, errors.New("missing field \"enabled\""))
		return
	}
	err = enable(r.Context(), *req.Enabled)
	if err != nil {
		s.writeError(w, commandStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) putHeater(w http.ResponseWriter, r *http.Request) {
	s.putEnable(w, r, s.ctrl.EnableHeater)
}

func (s *Server) putPump(w http.ResponseWriter, r *http.Request) {
	s.putEnable(w, r, s.ctrl.EnablePump)
}

func (s *Server) getTiming(w http.ResponseWriter, r *http.Request) {
	res := map[string]map[string]int64{}
	for name, fn := range s.timings {
		ds := fn(timingPercentiles...)
		res[name] = map[string]int64{
			"p50_us": ds[0].Microseconds(),
			"p90_us": ds[1].Microseconds(),
			"p99_us": ds[2].Microseconds(),
			"max_us": ds[3].Microseconds(),
		}
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, s.ctrl.Snapshot())
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		s.hub.closeAll()
	}()
	s.log.Info("serving API", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
