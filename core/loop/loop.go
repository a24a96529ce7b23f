// Package loop runs the control cycle: read the sensor and both coils,
// compute the heater duty and hand it to the duty scheduler.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/tempctl/base/metrics"
	"example.com/tempctl/core/config"
	"example.com/tempctl/core/control"
	"example.com/tempctl/core/device"
	"example.com/tempctl/core/duty"
	"example.com/tempctl/core/process"
	"example.com/tempctl/core/reactor"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultIOTimeout    = 1 * time.Second
)

// Observer is notified on the reactor goroutine after every cycle and must
// not block.
type Observer func(s process.State)

type loopMetrics struct {
	cycles      prometheus.Counter
	readErrs    *prometheus.CounterVec
	writeErrs   prometheus.Counter
	temperature prometheus.Gauge
	density     prometheus.Gauge
	setpoint    prometheus.Gauge
	duty        prometheus.Gauge
	integral    prometheus.Gauge
	heater      prometheus.Gauge
	pump        prometheus.Gauge
}

var mtrcs atomic.Pointer[loopMetrics]

func init() {
	mtrcs.Store(&loopMetrics{
		cycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.LoopCyclesN,
			Help: metrics.LoopCyclesH,
		}),
		readErrs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.LoopReadErrorsN,
			Help: metrics.LoopReadErrorsH,
		}, []string{"source"}),
		writeErrs: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.LoopWriteErrorsN,
			Help: metrics.LoopWriteErrorsH,
		}),
		temperature: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.LoopTemperatureN,
			Help: metrics.LoopTemperatureH,
		}),
		density: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.LoopDensityN,
			Help: metrics.LoopDensityH,
		}),
		setpoint: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.LoopSetpointN,
			Help: metrics.LoopSetpointH,
		}),
		duty: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.LoopDutyN,
			Help: metrics.LoopDutyH,
		}),
		integral: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.LoopIntegralN,
			Help: metrics.LoopIntegralH,
		}),
		heater: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.LoopHeaterEnabledN,
			Help: metrics.LoopHeaterEnabledH,
		}),
		pump: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.LoopPumpEnabledN,
			Help: metrics.LoopPumpEnabledH,
		}),
	})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Loop owns the process state. Every cycle, command and the OFF transition
// of the duty scheduler runs on the same reactor, so none of them ever
// overlap.
type Loop struct {
	log    *zap.Logger
	r      *reactor.Reactor
	sensor device.Sensor
	heater device.Coil
	pump   device.Coil
	pi     *control.PIController
	sched  *duty.Scheduler
	store  *process.Store

	interval    time.Duration
	ioTimeout   time.Duration
	setpointMin float64
	setpointMax float64

	ctx       context.Context
	pollTimer *reactor.Timer
	nextPoll  time.Time

	mu        sync.Mutex
	observers []Observer
	ctrlState control.State
}

func New(log *zap.Logger, r *reactor.Reactor, sensor device.Sensor, bank device.ActuatorBank,
	cfg config.Config) *Loop {
	interval := cfg.PollInterval()
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ioTimeout := cfg.Timeout()
	if ioTimeout <= 0 {
		ioTimeout = DefaultIOTimeout
	}
	heater := device.Coil{Name: "heater", Bank: bank, Addr: uint16(cfg.Actuators.HeaterCoil)}
	pump := device.Coil{Name: "pump", Bank: bank, Addr: uint16(cfg.Actuators.PumpCoil)}

	initial := process.DefaultState()
	initial.Setpoint = cfg.Control.Setpoint

	l := &Loop{
		log:         log,
		r:           r,
		sensor:      sensor,
		heater:      heater,
		pump:        pump,
		pi:          control.NewPIController(cfg.Control),
		sched:       duty.NewScheduler(log, r, heater, cfg.PWMPeriod(), cfg.Control.DutyHigh, cfg.Control.DutyLow),
		store:       process.NewStore(initial),
		interval:    interval,
		ioTimeout:   ioTimeout,
		setpointMin: cfg.Control.SetpointMin,
		setpointMax: cfg.Control.SetpointMax,
		ctx:         context.Background(),
	}
	l.ctrlState = l.pi.State()
	l.pollTimer = r.RegisterTimer(l.poll, reactor.Never)
	mtrcs.Load().setpoint.Set(initial.Setpoint)
	return l
}

func (l *Loop) Scheduler() *duty.Scheduler {
	return l.sched
}

// Subscribe registers fn to be called with the state after every cycle.
func (l *Loop) Subscribe(fn Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

func (l *Loop) Snapshot() process.State {
	return l.store.Snapshot()
}

func (l *Loop) ControllerState() control.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctrlState
}

// Start switches pump and heater off and schedules the first cycle
// immediately. ctx bounds all device I/O done by the loop.
func (l *Loop) Start(ctx context.Context) {
	l.r.Post(func() {
		l.ctx = ctx
		l.log.Info("starting control loop",
			zap.Duration("interval", l.interval),
			zap.Float64("setpoint", l.store.Snapshot().Setpoint),
		)
		l.writeCoil(l.pump, false)
		l.writeCoil(l.heater, false)
		l.nextPoll = l.r.Now()
		l.r.UpdateTimer(l.pollTimer, l.nextPoll)
	})
}

// Shutdown cancels the cycle and forces the heater off. It must not run
// concurrently with the reactor.
func (l *Loop) Shutdown(ctx context.Context) {
	l.r.UnregisterTimer(l.pollTimer)
	l.sched.Stop(ctx)
	l.log.Info("control loop stopped, heater switched off")
}

func (l *Loop) ioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(l.ctx, l.ioTimeout)
}

func (l *Loop) writeCoil(c device.Coil, on bool) error {
	ctx, cancel := l.ioContext()
	defer cancel()
	err := c.Write(ctx, on)
	if err != nil {
		mtrcs.Load().writeErrs.Inc()
		l.log.Info("failed to write coil",
			zap.String("actuator", c.Name),
			zap.Bool("on", on),
			zap.Error(err),
		)
	}
	return err
}

func (l *Loop) readCoil(c device.Coil) (bool, error) {
	ctx, cancel := l.ioContext()
	defer cancel()
	on, err := c.Read(ctx)
	if err != nil {
		mtrcs.Load().readErrs.WithLabelValues(c.Name).Inc()
		l.log.Info("failed to read coil", zap.String("actuator", c.Name), zap.Error(err))
	}
	return on, err
}

func (l *Loop) readTemperature() (float64, error) {
	ctx, cancel := l.ioContext()
	defer cancel()
	v, err := l.sensor.ReadTemperature(ctx)
	if err != nil {
		mtrcs.Load().readErrs.WithLabelValues("temperature").Inc()
		l.log.Info("failed to read temperature", zap.Error(err))
	}
	return v, err
}

func (l *Loop) readDensity() (float64, error) {
	ctx, cancel := l.ioContext()
	defer cancel()
	v, err := l.sensor.ReadDensity(ctx)
	if err != nil {
		mtrcs.Load().readErrs.WithLabelValues("density").Inc()
		l.log.Info("failed to read density", zap.Error(err))
	}
	return v, err
}

func (l *Loop) poll(eventtime time.Time) time.Time {
	l.cycle(eventtime)
	l.nextPoll = l.nextPoll.Add(l.interval)
	if !l.nextPoll.After(eventtime) {
		l.nextPoll = eventtime.Add(l.interval)
	}
	return l.nextPoll
}

// cycle runs one read-compute-actuate pass. A failed read keeps the previous
// value of that field and never aborts the cycle.
func (l *Loop) cycle(eventtime time.Time) {
	s := l.store.Snapshot()

	if v, err := l.readTemperature(); err == nil {
		s.Temperature = v
	}
	if v, err := l.readDensity(); err == nil {
		s.Density = v
	}
	if on, err := l.readCoil(l.heater); err == nil {
		s.HeaterEnabled = on
	}
	if on, err := l.readCoil(l.pump); err == nil {
		s.PumpEnabled = on
	}

	d := l.pi.Compute(s.Setpoint, s.Temperature, eventtime)

	ctx, cancel := l.ioContext()
	l.sched.Apply(ctx, eventtime, d)
	cancel()

	ctrl := l.pi.State()
	s = l.store.Update(func(x *process.State) {
		x.Temperature = s.Temperature
		x.Density = s.Density
		x.HeaterEnabled = s.HeaterEnabled
		x.PumpEnabled = s.PumpEnabled
		x.Duty = d
		x.Cycle++
		x.UpdatedAt = eventtime
	})

	m := mtrcs.Load()
	m.cycles.Inc()
	m.temperature.Set(s.Temperature)
	m.density.Set(s.Density)
	m.duty.Set(d)
	m.integral.Set(ctrl.Integral)
	m.heater.Set(boolGauge(s.HeaterEnabled))
	m.pump.Set(boolGauge(s.PumpEnabled))

	l.log.Debug("control cycle",
		zap.Uint64("cycle", s.Cycle),
		zap.Float64("temperature", s.Temperature),
		zap.Float64("setpoint", s.Setpoint),
		zap.Float64("duty", d),
		zap.Float64("integral", ctrl.Integral),
	)

	l.mu.Lock()
	l.ctrlState = ctrl
	observers := l.observers
	l.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

// SetSetpoint takes effect at the next cycle. Values outside the safety
// range are rejected with a *process.RangeError.
func (l *Loop) SetSetpoint(ctx context.Context, v float64) error {
	err := process.CheckRange(v, l.setpointMin, l.setpointMax)
	if err != nil {
		return err
	}
	return l.r.Call(ctx, func() error {
		l.store.Update(func(s *process.State) {
			s.Setpoint = v
		})
		mtrcs.Load().setpoint.Set(v)
		l.log.Info("setpoint changed", zap.Float64("setpoint", v))
		return nil
	})
}

// SetSetpointText parses text as the new setpoint. Malformed input leaves
// the setpoint unchanged and yields a *process.ConfigError.
func (l *Loop) SetSetpointText(ctx context.Context, text string) error {
	v, err := process.ParseSetpoint(text)
	if err != nil {
		l.log.Info("rejected setpoint input", zap.Error(err))
		return err
	}
	return l.SetSetpoint(ctx, v)
}

func (l *Loop) enable(ctx context.Context, c device.Coil, on bool, set func(s *process.State)) error {
	return l.r.Call(ctx, func() error {
		err := l.writeCoil(c, on)
		if err != nil {
			return err
		}
		l.store.Update(set)
		l.log.Info("actuator switched manually", zap.String("actuator", c.Name), zap.Bool("on", on))
		return nil
	})
}

// EnableHeater switches the heater coil directly. The duty scheduler takes
// over again at the next cycle.
func (l *Loop) EnableHeater(ctx context.Context, on bool) error {
	return l.enable(ctx, l.heater, on, func(s *process.State) { s.HeaterEnabled = on })
}

func (l *Loop) EnablePump(ctx context.Context, on bool) error {
	return l.enable(ctx, l.pump, on, func(s *process.State) { s.PumpEnabled = on })
}
