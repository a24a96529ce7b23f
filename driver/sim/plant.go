// Package sim provides a simulated heating plant behind the device
// interfaces.
package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"example.com/tempctl/base/timebase"
	"example.com/tempctl/core/config"
	"example.com/tempctl/core/device"
)

var (
	ErrNegativeLossCoefficient = errors.New("negative heat loss coefficient")
	ErrInjectedFault           = errors.New("injected fault")
)

const (
	OpReadTemperature = "read temperature"
	OpReadDensity     = "read density"
	OpReadCoil        = "read coil"
	OpWriteCoil       = "write coil"

	density = 0.998
)

// Plant is a well-mixed tank: while the heater coil is on, heat enters at
// a fixed rate, and heat is lost to the ambient proportionally to the
// temperature difference.
type Plant struct {
	clk             timebase.LocalClock
	ambient         float64
	heaterRate      float64
	lossCoefficient float64

	mu          sync.Mutex
	temperature float64
	coils       map[uint16]bool
	last        time.Time
	faults      map[string]int
}

var (
	_ device.Sensor       = (*Plant)(nil)
	_ device.ActuatorBank = (*Plant)(nil)
)

func NewPlant(clk timebase.LocalClock, cfg config.SimConfig) (*Plant, error) {
	if cfg.LossCoefficient < 0 {
		return nil, ErrNegativeLossCoefficient
	}
	return &Plant{
		clk:             clk,
		ambient:         cfg.Ambient,
		heaterRate:      cfg.HeaterRate,
		lossCoefficient: cfg.LossCoefficient,
		temperature:     cfg.InitialTemperature,
		coils:           map[uint16]bool{},
		last:            clk.Now(),
		faults:          map[string]int{},
	}, nil
}

func (p *Plant) advance() {
	now := p.clk.Now()
	dt := now.Sub(p.last).Seconds()
	p.last = now
	if dt <= 0 {
		return
	}
	q := 0.0
	if p.coils[device.HeaterCoil] {
		q = p.heaterRate
	}
	if p.lossCoefficient == 0 {
		p.temperature += q * dt
		return
	}
	eq := p.ambient + q/p.lossCoefficient
	p.temperature = eq + (p.temperature-eq)*math.Exp(-p.lossCoefficient*dt)
}

// InjectFaults makes the next n operations op fail.
func (p *Plant) InjectFaults(op string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] += n
}

func (p *Plant) fault(op string, addr uint16) error {
	if p.faults[op] == 0 {
		return nil
	}
	p.faults[op]--
	return &device.IOError{Op: op, Addr: addr, Err: ErrInjectedFault}
}

func (p *Plant) Temperature() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.temperature
}

func (p *Plant) ReadTemperature(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	if err := p.fault(OpReadTemperature, 0); err != nil {
		return 0, err
	}
	// register resolution
	return math.Round(p.temperature*10) / 10, nil
}

func (p *Plant) ReadDensity(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fault(OpReadDensity, 0); err != nil {
		return 0, err
	}
	return density, nil
}

func (p *Plant) ReadCoil(ctx context.Context, addr uint16) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fault(OpReadCoil, addr); err != nil {
		return false, err
	}
	return p.coils[addr], nil
}

func (p *Plant) WriteCoil(ctx context.Context, addr uint16, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	if err := p.fault(OpWriteCoil, addr); err != nil {
		return err
	}
	p.coils[addr] = on
	return nil
}
