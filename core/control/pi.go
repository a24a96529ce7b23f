// Package control implements the PI controller that turns a temperature
// error into a heater duty cycle.
package control

import (
	"math"
	"time"

	"example.com/tempctl/base/floats"
	"example.com/tempctl/base/timemath"
	"example.com/tempctl/core/config"
)

const DefaultMaxInterval = 15 * time.Second

type State struct {
	KP, KI     float64
	MinOutput  float64
	MaxOutput  float64
	Integral   float64
	LastSample time.Time
	LastOutput float64
}

// PIController has no derivative term. The integral accumulator is kept
// within [MinOutput, MaxOutput] and the sample interval is clamped to
// [0, MaxInterval] before integrating.
type PIController struct {
	KP, KI      float64
	MinOutput   float64
	MaxOutput   float64
	MaxInterval time.Duration

	integral   float64
	lastSample time.Time
	output     float64
}

func NewPIController(cfg config.ControlConfig) *PIController {
	maxInterval := time.Duration(cfg.MaxDtMs) * time.Millisecond
	if maxInterval <= 0 {
		maxInterval = DefaultMaxInterval
	}
	return &PIController{
		KP:          cfg.KP,
		KI:          cfg.KI,
		MinOutput:   cfg.MinOutput,
		MaxOutput:   cfg.MaxOutput,
		MaxInterval: maxInterval,
	}
}

// Compute returns the integer-valued duty for the given setpoint and
// measurement sampled at now. The first call integrates nothing.
func (c *PIController) Compute(setpoint, measured float64, now time.Time) float64 {
	e := setpoint - measured

	var dt time.Duration
	if !c.lastSample.IsZero() {
		dt = timemath.Clamp(now.Sub(c.lastSample), 0, c.MaxInterval)
	}
	c.lastSample = now

	p := c.KP * e
	c.integral = floats.Clamp(c.integral+c.KI*e*timemath.Seconds(dt), c.MinOutput, c.MaxOutput)

	out := floats.Clamp(p+c.integral, c.MinOutput, c.MaxOutput)
	// truncation must not leave the bounds for fractional limits
	c.output = floats.Clamp(math.Trunc(out), c.MinOutput, c.MaxOutput)
	return c.output
}

func (c *PIController) State() State {
	return State{
		KP:         c.KP,
		KI:         c.KI,
		MinOutput:  c.MinOutput,
		MaxOutput:  c.MaxOutput,
		Integral:   c.integral,
		LastSample: c.lastSample,
		LastOutput: c.output,
	}
}

func (c *PIController) Reset() {
	c.integral = 0
	c.lastSample = time.Time{}
	c.output = 0
}
