// Package modbus serializes the control loop's requests onto a single
// Modbus RTU master and instruments them.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	mbus "github.com/simonvetter/modbus"
	"go.uber.org/zap"

	"example.com/tempctl/base/metrics"
)

const (
	DefaultTimeout = 1 * time.Second

	maxRTT = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("modbus: not connected")

	ErrTimeout error = mbus.ErrRequestTimedOut
	ErrCRC     error = mbus.ErrBadCRC
)

var exceptions = []error{
	mbus.ErrIllegalFunction,
	mbus.ErrIllegalDataAddress,
	mbus.ErrIllegalDataValue,
	mbus.ErrServerDeviceFailure,
}

// Conn is the part of *mbus.ModbusClient used by Client. The RTU
// transport below it owns framing, CRC, the inter-frame delay and the
// per-request timeout.
type Conn interface {
	SetUnitId(id uint8) error
	ReadRegisters(addr uint16, quantity uint16, regType mbus.RegType) ([]uint16, error)
	ReadCoils(addr uint16, quantity uint16) ([]bool, error)
	WriteCoil(addr uint16, value bool) error
	Close() error
}

type clientMetrics struct {
	reqsSent      prometheus.Counter
	respsAccepted prometheus.Counter
	errs          *prometheus.CounterVec
}

var mtrcs atomic.Pointer[clientMetrics]

func init() {
	mtrcs.Store(&clientMetrics{
		reqsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ModbusReqsSentN,
			Help: metrics.ModbusReqsSentH,
		}),
		respsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ModbusRespsAcceptedN,
			Help: metrics.ModbusRespsAcceptedH,
		}),
		errs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.ModbusErrorsN,
			Help: metrics.ModbusErrorsH,
		}, []string{"kind"}),
	})
}

// Client is a Modbus RTU master shared by sensor and actuators. The bus is
// half-duplex with a single master: selecting the unit and running the
// request happen under one lock, so at most one request is in flight.
type Client struct {
	log *zap.Logger

	mu    sync.Mutex
	conn  Conn
	cause error
	histo *hdrhistogram.Histogram
}

func NewClient(log *zap.Logger, conn Conn) *Client {
	return &Client{
		log:   log,
		conn:  conn,
		histo: hdrhistogram.New(1, maxRTT.Microseconds(), 3),
	}
}

// NewDisconnectedClient returns a client whose every request fails with
// ErrNotConnected wrapping cause.
func NewDisconnectedClient(log *zap.Logger, cause error) *Client {
	return &Client{
		log:   log,
		cause: cause,
		histo: hdrhistogram.New(1, maxRTT.Microseconds(), 3),
	}
}

func isException(err error) bool {
	for _, e := range exceptions {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func errKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCRC):
		return "crc"
	case isException(err):
		return "exception"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// do runs fn against unit slaveID. ctx is checked once the bus is free; a
// request already on the wire is bounded by the transport timeout.
func (c *Client) do(ctx context.Context, op string, slaveID byte, addr uint16,
	fn func(conn Conn) error) error {
	err := c.transact(ctx, op, slaveID, addr, fn)
	if err != nil {
		mtrcs.Load().errs.WithLabelValues(errKind(err)).Inc()
	}
	return err
}

func (c *Client) transact(ctx context.Context, op string, slaveID byte, addr uint16,
	fn func(conn Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, c.cause)
	}
	err := ctx.Err()
	if err != nil {
		return err
	}
	err = c.conn.SetUnitId(slaveID)
	if err != nil {
		return fmt.Errorf("modbus: select unit %d: %w", slaveID, err)
	}

	mtrcs.Load().reqsSent.Inc()
	t0 := time.Now()
	err = fn(c.conn)
	rtt := time.Since(t0)
	if err != nil {
		return err
	}
	_ = c.histo.RecordValue(rtt.Microseconds())
	mtrcs.Load().respsAccepted.Inc()

	c.log.Debug("modbus transaction",
		zap.String("op", op),
		zap.Uint8("slave", slaveID),
		zap.Uint16("address", addr),
		zap.Duration("rtt", rtt),
	)
	return nil
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, slaveID byte, addr, quantity uint16) (
	[]uint16, error) {
	var rs []uint16
	err := c.do(ctx, "read holding registers", slaveID, addr, func(conn Conn) error {
		var err error
		rs, err = conn.ReadRegisters(addr, quantity, mbus.HOLDING_REGISTER)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rs) != int(quantity) {
		return nil, fmt.Errorf("modbus: got %d registers, want %d", len(rs), quantity)
	}
	return rs, nil
}

func (c *Client) ReadCoils(ctx context.Context, slaveID byte, addr, quantity uint16) (
	[]bool, error) {
	var cs []bool
	err := c.do(ctx, "read coils", slaveID, addr, func(conn Conn) error {
		var err error
		cs, err = conn.ReadCoils(addr, quantity)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(cs) != int(quantity) {
		return nil, fmt.Errorf("modbus: got %d coils, want %d", len(cs), quantity)
	}
	return cs, nil
}

func (c *Client) WriteSingleCoil(ctx context.Context, slaveID byte, addr uint16, on bool) error {
	return c.do(ctx, "write coil", slaveID, addr, func(conn Conn) error {
		return conn.WriteCoil(addr, on)
	})
}

// RoundTripQuantiles returns the recorded round-trip times at the given
// percentiles (0-100).
func (c *Client) RoundTripQuantiles(percentiles ...float64) []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds := make([]time.Duration, len(percentiles))
	for i, p := range percentiles {
		ds[i] = time.Duration(c.histo.ValueAtQuantile(p)) * time.Microsecond
	}
	return ds
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.cause = errors.New("closed")
	return err
}
