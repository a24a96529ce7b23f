package modbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mbus "github.com/simonvetter/modbus"
	"go.uber.org/zap/zaptest"

	"example.com/tempctl/net/modbus"
)

// fakeConn emulates a bus with several units behind one RTU master.
type fakeConn struct {
	mu       sync.Mutex
	unit     uint8
	coils    map[uint8][]bool
	regs     map[uint8][]uint16
	err      error
	delay    time.Duration
	inFlight int
	overlap  bool
	reqs     int
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		coils: map[uint8][]bool{1: make([]bool, 16), 2: make([]bool, 16)},
		regs:  map[uint8][]uint16{1: make([]uint16, 16), 2: make([]uint16, 16)},
	}
}

func (f *fakeConn) SetUnitId(id uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unit = id
	return nil
}

func (f *fakeConn) begin() (uint8, error) {
	f.mu.Lock()
	f.reqs++
	f.inFlight++
	if f.inFlight > 1 {
		f.overlap = true
	}
	unit, err, d := f.unit, f.err, f.delay
	f.mu.Unlock()
	time.Sleep(d)
	if err == nil {
		if _, ok := f.regs[unit]; !ok {
			err = mbus.ErrRequestTimedOut
		}
	}
	return unit, err
}

func (f *fakeConn) end() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeConn) ReadRegisters(addr uint16, quantity uint16, regType mbus.RegType) ([]uint16, error) {
	unit, err := f.begin()
	defer f.end()
	if err != nil {
		return nil, err
	}
	if regType != mbus.HOLDING_REGISTER {
		return nil, mbus.ErrIllegalFunction
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint16{}, f.regs[unit][addr:addr+quantity]...), nil
}

func (f *fakeConn) ReadCoils(addr uint16, quantity uint16) ([]bool, error) {
	unit, err := f.begin()
	defer f.end()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool{}, f.coils[unit][addr:addr+quantity]...), nil
}

func (f *fakeConn) WriteCoil(addr uint16, value bool) error {
	unit, err := f.begin()
	defer f.end()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coils[unit][addr] = value
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestClientReadWrite(t *testing.T) {
	f := newFakeConn()
	f.regs[1][0] = 235
	f.regs[1][1] = 1225
	c := modbus.NewClient(zaptest.NewLogger(t), f)
	ctx := context.Background()

	rs, err := c.ReadHoldingRegisters(ctx, 1, 0, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if rs[0] != 235 || rs[1] != 1225 {
		t.Errorf("unexpected registers %v", rs)
	}

	err = c.WriteSingleCoil(ctx, 2, 1, true)
	if err != nil {
		t.Fatalf("WriteSingleCoil failed: %v", err)
	}
	cs, err := c.ReadCoils(ctx, 2, 0, 2)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	if cs[0] || !cs[1] {
		t.Errorf("unexpected coils %v", cs)
	}
	if f.coils[1][1] {
		t.Errorf("coil written to the wrong unit")
	}

	q := c.RoundTripQuantiles(50, 100)
	if len(q) != 2 || q[1] < 0 {
		t.Errorf("unexpected round trip quantiles: %v", q)
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"timeout", mbus.ErrRequestTimedOut, modbus.ErrTimeout},
		{"crc", mbus.ErrBadCRC, modbus.ErrCRC},
		{"exception", mbus.ErrIllegalDataAddress, mbus.ErrIllegalDataAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeConn()
			f.err = tt.err
			c := modbus.NewClient(zaptest.NewLogger(t), f)
			_, err := c.ReadHoldingRegisters(context.Background(), 1, 0, 1)
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadHoldingRegisters() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClientUnknownUnit(t *testing.T) {
	c := modbus.NewClient(zaptest.NewLogger(t), newFakeConn())
	_, err := c.ReadCoils(context.Background(), 9, 0, 1)
	if !errors.Is(err, modbus.ErrTimeout) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestClientContextCanceled(t *testing.T) {
	f := newFakeConn()
	c := modbus.NewClient(zaptest.NewLogger(t), f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ReadCoils(ctx, 1, 0, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
	if f.reqs != 0 {
		t.Errorf("canceled request must not reach the bus")
	}
}

func TestDisconnectedClient(t *testing.T) {
	cause := errors.New("no such device")
	c := modbus.NewDisconnectedClient(zaptest.NewLogger(t), cause)
	err := c.WriteSingleCoil(context.Background(), 1, 0, false)
	if !errors.Is(err, modbus.ErrNotConnected) {
		t.Errorf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestClientClose(t *testing.T) {
	f := newFakeConn()
	c := modbus.NewClient(zaptest.NewLogger(t), f)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !f.closed {
		t.Errorf("Close must close the connection")
	}
	_, err := c.ReadCoils(context.Background(), 1, 0, 1)
	if !errors.Is(err, modbus.ErrNotConnected) {
		t.Errorf("unexpected error after Close: %v", err)
	}
}

func TestClientSerializesRequests(t *testing.T) {
	f := newFakeConn()
	f.delay = time.Millisecond
	for i := range f.regs[1] {
		f.regs[1][i] = uint16(i)
		f.regs[2][i] = uint16(100 + i)
	}
	c := modbus.NewClient(zaptest.NewLogger(t), f)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i != 16; i++ {
		wg.Add(1)
		go func(unit byte, addr uint16) {
			defer wg.Done()
			rs, err := c.ReadHoldingRegisters(context.Background(), unit, addr, 1)
			if err == nil && rs[0] != f.regs[unit][addr] {
				err = errors.New("response crossed with another request")
			}
			errs <- err
		}(byte(1+i%2), uint16(i/2))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if f.overlap {
		t.Errorf("requests overlapped on the bus")
	}
}
