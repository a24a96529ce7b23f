//go:build linux

package clock

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"example.com/tempctl/base/timebase"
)

// SystemClock reports wall-clock-like times that advance with CLOCK_MONOTONIC,
// so steps applied to the realtime clock never show up as elapsed time.
type SystemClock struct {
	Log  *zap.Logger
	once sync.Once
	wall time.Time
	mono time.Duration
}

var _ timebase.LocalClock = (*SystemClock)(nil)

func monotonic(log *zap.Logger) time.Duration {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	if err != nil {
		log.Fatal("unix.ClockGettime failed", zap.Error(err))
	}
	return time.Duration(ts.Nano())
}

func (c *SystemClock) Now() time.Time {
	c.once.Do(func() {
		c.wall = time.Now().UTC()
		c.mono = monotonic(c.Log)
		c.Log.Debug("anchored monotonic clock", zap.Time("wall", c.wall), zap.Duration("mono", c.mono))
	})
	return c.wall.Add(monotonic(c.Log) - c.mono)
}
