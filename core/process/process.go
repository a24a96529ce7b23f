// Package process holds the last known process values and the setpoint.
package process

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/tempctl/core/device"
)

const (
	DefaultSetpoint = 32.0

	// DefaultTemperature is reported, and controlled on, until the first
	// successful sensor read.
	DefaultTemperature = 20.5
)

type State struct {
	Temperature   float64   `json:"temperature"`
	Density       float64   `json:"density"`
	HeaterEnabled bool      `json:"heaterEnabled"`
	PumpEnabled   bool      `json:"pumpEnabled"`
	Setpoint      float64   `json:"setpoint"`
	Duty          float64   `json:"duty"`
	Cycle         uint64    `json:"cycle"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func DefaultState() State {
	return State{
		Temperature: DefaultTemperature,
		Density:     device.DefaultDensity,
		Setpoint:    DefaultSetpoint,
	}
}

// ConfigError reports setpoint input that is not a number.
type ConfigError struct {
	Input string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid setpoint %q: %v", e.Input, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// RangeError reports a setpoint outside the safety range.
type RangeError struct {
	Value    float64
	Min, Max float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("setpoint %v outside [%v, %v]", e.Value, e.Min, e.Max)
}

var errNotFinite = errors.New("not a finite number")

func ParseSetpoint(text string) (float64, error) {
	s := strings.TrimSpace(text)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ConfigError{Input: text, Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ConfigError{Input: text, Err: errNotFinite}
	}
	return v, nil
}

func CheckRange(v, lo, hi float64) error {
	if v < lo || v > hi {
		return &RangeError{Value: v, Min: lo, Max: hi}
	}
	return nil
}

// Store serializes access to the process state. Readers always get a
// complete snapshot.
type Store struct {
	mu sync.RWMutex
	s  State
}

func NewStore(initial State) *Store {
	return &Store{s: initial}
}

func (st *Store) Snapshot() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Update applies fn to a copy of the state and publishes the result at once.
func (st *Store) Update(fn func(s *State)) State {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.s
	fn(&s)
	st.s = s
	return s
}
