// Package duty drives a binary actuator with a time-proportioned duty
// cycle (software PWM) over a fixed period.
package duty

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/tempctl/base/metrics"
	"example.com/tempctl/base/timemath"
	"example.com/tempctl/core/device"
	"example.com/tempctl/core/reactor"
)

const (
	DefaultHigh   = 95.0
	DefaultLow    = 5.0
	DefaultPeriod = 5 * time.Second

	maxLateness = time.Minute
)

type Phase int

const (
	// PhaseIdle: no OFF transition pending.
	PhaseIdle Phase = iota
	// PhaseOnPending: the actuator was switched on at the start of the
	// cycle and an OFF transition is scheduled.
	PhaseOnPending
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOnPending:
		return "on-pending"
	default:
		return "unknown"
	}
}

type schedulerMetrics struct {
	switches *prometheus.CounterVec
}

var mtrcs atomic.Pointer[schedulerMetrics]

func init() {
	mtrcs.Store(&schedulerMetrics{
		switches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.DutySwitchesN,
			Help: metrics.DutySwitchesH,
		}, []string{"actuator", "kind"}),
	})
}

type Status struct {
	Phase    Phase
	Duty     float64
	Deadline time.Time
}

// Scheduler converts one duty percentage per control cycle into ON/OFF
// commands for a single coil. Apply and the OFF timer run on the reactor;
// at most one OFF transition is ever pending.
type Scheduler struct {
	log    *zap.Logger
	r      *reactor.Reactor
	coil   device.Coil
	period time.Duration
	high   float64
	low    float64

	offTimer *reactor.Timer

	mu       sync.Mutex
	phase    Phase
	duty     float64
	deadline time.Time
	histo    *hdrhistogram.Histogram
}

func NewScheduler(log *zap.Logger, r *reactor.Reactor, coil device.Coil,
	period time.Duration, high, low float64) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	if low > high {
		panic("unexpected duty thresholds")
	}
	s := &Scheduler{
		log:    log,
		r:      r,
		coil:   coil,
		period: period,
		high:   high,
		low:    low,
		histo:  hdrhistogram.New(1, maxLateness.Microseconds(), 3),
	}
	s.offTimer = r.RegisterTimer(s.switchOff, reactor.Never)
	return s
}

func (s *Scheduler) write(ctx context.Context, on bool, kind string) {
	mtrcs.Load().switches.WithLabelValues(s.coil.Name, kind).Inc()
	err := s.coil.Write(ctx, on)
	if err != nil {
		s.log.Info("failed to switch actuator",
			zap.String("actuator", s.coil.Name),
			zap.Bool("on", on),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) cancel() {
	s.r.UpdateTimer(s.offTimer, reactor.Never)
	s.mu.Lock()
	s.phase = PhaseIdle
	s.deadline = time.Time{}
	s.mu.Unlock()
}

// Apply starts a new cycle at eventtime. Above the high threshold the
// actuator is held on and below the low threshold it is held off for the
// whole cycle, without a timer. In between it is switched on now and off
// after duty percent of the period. A pending OFF from the previous cycle
// is replaced.
func (s *Scheduler) Apply(ctx context.Context, eventtime time.Time, duty float64) {
	s.mu.Lock()
	s.duty = duty
	s.mu.Unlock()

	switch {
	case duty > s.high:
		s.cancel()
		s.write(ctx, true, "high")
	case duty < s.low:
		s.cancel()
		s.write(ctx, false, "low")
	default:
		deadline := eventtime.Add(timemath.Percent(s.period, duty))
		s.mu.Lock()
		s.phase = PhaseOnPending
		s.deadline = deadline
		s.mu.Unlock()
		s.r.UpdateTimer(s.offTimer, deadline)
		s.write(ctx, true, "on")
	}
}

func (s *Scheduler) switchOff(eventtime time.Time) time.Time {
	s.mu.Lock()
	lateness := eventtime.Sub(s.deadline)
	s.phase = PhaseIdle
	s.deadline = time.Time{}
	_ = s.histo.RecordValue(timemath.Clamp(lateness, 0, maxLateness).Microseconds())
	s.mu.Unlock()

	s.write(context.Background(), false, "off")
	return reactor.Never
}

// Stop cancels any pending transition and switches the actuator off.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	s.mu.Lock()
	s.duty = 0
	s.mu.Unlock()
	s.write(ctx, false, "stop")
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Phase: s.phase, Duty: s.duty, Deadline: s.deadline}
}

// LatenessQuantiles returns the recorded OFF transition lateness at the
// given percentiles (0-100).
func (s *Scheduler) LatenessQuantiles(percentiles ...float64) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := make([]time.Duration, len(percentiles))
	for i, p := range percentiles {
		ds[i] = time.Duration(s.histo.ValueAtQuantile(p)) * time.Microsecond
	}
	return ds
}
