package control_test

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"example.com/tempctl/core/config"
	"example.com/tempctl/core/control"
)

func newController() *control.PIController {
	return control.NewPIController(config.Default().Control)
}

func TestFirstComputeIsProportional(t *testing.T) {
	c := newController()
	now := time.Unix(1000, 0)

	out := c.Compute(32.0, 20.5, now)
	if out != 23 {
		t.Errorf("Compute(32.0, 20.5) = %v, want 23", out)
	}
	s := c.State()
	if s.Integral != 0 {
		t.Errorf("integral after first call = %v, want 0", s.Integral)
	}
	if !s.LastSample.Equal(now) || s.LastOutput != 23 {
		t.Errorf("unexpected state %+v", s)
	}
}

func TestIntegralCarriesOutputAtZeroError(t *testing.T) {
	c := newController()
	t0 := time.Unix(1000, 0)

	c.Compute(32, 30, t0)
	c.Compute(32, 30, t0.Add(5*time.Second))
	// integral = 2 * 2 * 5
	if s := c.State(); s.Integral != 20 {
		t.Fatalf("unexpected integral %v", s.Integral)
	}

	out := c.Compute(32, 32, t0.Add(10*time.Second))
	if out != 20 {
		t.Errorf("Compute at zero error = %v, want accumulator value 20", out)
	}

	out = c.Compute(32, 33, t0.Add(15*time.Second))
	// p = -2, integral = 20 - 10
	if out != 8 {
		t.Errorf("Compute with negative error = %v, want 8", out)
	}
}

func TestOutputTruncated(t *testing.T) {
	c := newController()
	out := c.Compute(32, 20.3, time.Unix(0, 0))
	// p = 23.4
	if out != 23 {
		t.Errorf("Compute(32, 20.3) = %v, want 23", out)
	}
}

func TestIntervalClamp(t *testing.T) {
	tests := []struct {
		name     string
		gap      time.Duration
		integral float64
	}{
		{"regular", 5 * time.Second, 10},
		{"stalled", time.Hour, 30},
		{"backwards", -time.Minute, 0},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController()
			c.KP = 0
			t0 := time.Unix(1000, 0)
			c.Compute(1, 0, t0)
			c.Compute(1, 0, t0.Add(tt.gap))
			if s := c.State(); s.Integral != tt.integral {
				t.Errorf("integral after gap %v = %v, want %v", tt.gap, s.Integral, tt.integral)
			}
		})
	}
}

func TestBounds(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	c := newController()
	now := time.Unix(0, 0)
	for i := 0; i != 10000; i++ {
		now = now.Add(time.Duration(r.Int63n(int64(20 * time.Second))))
		if r.Intn(50) == 0 {
			now = now.Add(-time.Duration(r.Int63n(int64(time.Minute))))
		}
		setpoint := r.Float64()*200 - 50
		measured := r.Float64()*200 - 50
		out := c.Compute(setpoint, measured, now)
		s := c.State()
		if out < c.MinOutput || out > c.MaxOutput {
			t.Fatalf("output %v out of [%v, %v]", out, c.MinOutput, c.MaxOutput)
		}
		if out != math.Trunc(out) {
			t.Fatalf("output %v is not integer-valued", out)
		}
		if s.Integral < c.MinOutput || s.Integral > c.MaxOutput {
			t.Fatalf("integral %v out of [%v, %v]", s.Integral, c.MinOutput, c.MaxOutput)
		}
	}
}

func TestAntiWindupRecovery(t *testing.T) {
	c := newController()
	t0 := time.Unix(0, 0)
	for i := 0; i != 100; i++ {
		c.Compute(100, 0, t0.Add(time.Duration(i)*5*time.Second))
	}
	if s := c.State(); s.Integral != c.MaxOutput {
		t.Fatalf("integral %v must saturate at %v", s.Integral, c.MaxOutput)
	}
	// once the error reverses the accumulator leaves saturation immediately
	out := c.Compute(0, 1, t0.Add(100*5*time.Second))
	if out != 88 {
		t.Errorf("Compute after reversal = %v, want 88", out)
	}
}

func TestReset(t *testing.T) {
	c := newController()
	t0 := time.Unix(0, 0)
	c.Compute(40, 20, t0)
	c.Compute(40, 20, t0.Add(5*time.Second))
	c.Reset()
	s := c.State()
	if s.Integral != 0 || !s.LastSample.IsZero() || s.LastOutput != 0 {
		t.Errorf("unexpected state after Reset: %+v", s)
	}
	if out := c.Compute(32, 20.5, t0.Add(time.Hour)); out != 23 {
		t.Errorf("Compute after Reset = %v, want 23", out)
	}
}
