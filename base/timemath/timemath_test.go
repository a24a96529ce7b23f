package timemath_test

import (
	"testing"
	"time"

	"example.com/tempctl/base/timemath"
)

func TestDuration(t *testing.T) {
	tests := []struct {
		seconds float64
		want    time.Duration
	}{
		{1.5, 1500 * time.Millisecond},
		{1, time.Second},
		{0, 0},
		{-1, -time.Second},
		{-1.5, -1500 * time.Millisecond},
	}

	for _, tt := range tests {
		got := timemath.Duration(tt.seconds)
		if got != tt.want {
			t.Errorf("timemath.Duration(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     float64
	}{
		{1500 * time.Millisecond, 1.5},
		{time.Second, 1},
		{0, 0},
		{-time.Second, -1},
	}

	for _, tt := range tests {
		got := timemath.Seconds(tt.duration)
		if got != tt.want {
			t.Errorf("timemath.Seconds(%v) = %v, want %v", tt.duration, got, tt.want)
		}
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		d, lo, hi time.Duration
		want      time.Duration
	}{
		{-time.Second, 0, 15 * time.Second, 0},
		{0, 0, 15 * time.Second, 0},
		{5 * time.Second, 0, 15 * time.Second, 5 * time.Second},
		{15 * time.Second, 0, 15 * time.Second, 15 * time.Second},
		{time.Hour, 0, 15 * time.Second, 15 * time.Second},
	}

	for _, tt := range tests {
		got := timemath.Clamp(tt.d, tt.lo, tt.hi)
		if got != tt.want {
			t.Errorf("timemath.Clamp(%v, %v, %v) = %v, want %v", tt.d, tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestClampPanicsOnInvertedBounds(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("timemath.Clamp with lo > hi did not panic")
		}
	}()
	_ = timemath.Clamp(0, time.Second, 0)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		d    time.Duration
		pct  float64
		want time.Duration
	}{
		{5 * time.Second, 0, 0},
		{5 * time.Second, 23, 1150 * time.Millisecond},
		{5 * time.Second, 50, 2500 * time.Millisecond},
		{5 * time.Second, 95, 4750 * time.Millisecond},
		{5 * time.Second, 100, 5 * time.Second},
	}

	for _, tt := range tests {
		got := timemath.Percent(tt.d, tt.pct)
		if got != tt.want {
			t.Errorf("timemath.Percent(%v, %v) = %v, want %v", tt.d, tt.pct, got, tt.want)
		}
	}
}
