package process_test

import (
	"errors"
	"strconv"
	"sync"
	"testing"

	"example.com/tempctl/core/process"
)

func TestParseSetpoint(t *testing.T) {
	tests := []struct {
		text string
		want float64
		ok   bool
	}{
		{"32", 32, true},
		{" 45.5\n", 45.5, true},
		{"-3", -3, true},
		{"1e1", 10, true},
		{"", 0, false},
		{"abc", 0, false},
		{"32,5", 0, false},
		{"NaN", 0, false},
		{"+Inf", 0, false},
	}
	for _, tt := range tests {
		v, err := process.ParseSetpoint(tt.text)
		if tt.ok {
			if err != nil || v != tt.want {
				t.Errorf("ParseSetpoint(%q) = %v, %v, want %v", tt.text, v, err, tt.want)
			}
			continue
		}
		var cfgErr *process.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("ParseSetpoint(%q) = %v, %v, want *ConfigError", tt.text, v, err)
			continue
		}
		if cfgErr.Input != tt.text {
			t.Errorf("ConfigError.Input = %q, want %q", cfgErr.Input, tt.text)
		}
	}

	_, err := process.ParseSetpoint("x")
	if !errors.Is(err, strconv.ErrSyntax) {
		t.Errorf("ConfigError must wrap the parse error, got %v", err)
	}
}

func TestCheckRange(t *testing.T) {
	tests := []struct {
		v  float64
		ok bool
	}{
		{0, true},
		{100, true},
		{32, true},
		{-0.1, false},
		{100.1, false},
	}
	for _, tt := range tests {
		err := process.CheckRange(tt.v, 0, 100)
		var rngErr *process.RangeError
		if tt.ok != (err == nil) || (!tt.ok && !errors.As(err, &rngErr)) {
			t.Errorf("CheckRange(%v, 0, 100) = %v", tt.v, err)
		}
	}
}

func TestDefaultState(t *testing.T) {
	s := process.DefaultState()
	if s.Temperature != 20.5 || s.Setpoint != 32 || s.Density != 1.225 || s.HeaterEnabled || s.PumpEnabled {
		t.Errorf("unexpected default state %+v", s)
	}
}

func TestStoreSnapshotsAreConsistent(t *testing.T) {
	st := process.NewStore(process.DefaultState())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			st.Update(func(s *process.State) {
				s.Temperature = float64(i)
				s.Setpoint = float64(i)
				s.Cycle = uint64(i)
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i != 1000; i++ {
			s := st.Snapshot()
			if s.Cycle != 0 && (s.Temperature != s.Setpoint || s.Temperature != float64(s.Cycle)) {
				t.Errorf("torn snapshot %+v", s)
				return
			}
		}
	}()
	wg.Wait()

	if s := st.Snapshot(); s.Cycle != 1000 {
		t.Errorf("unexpected final state %+v", s)
	}
}
