package device_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"example.com/tempctl/core/config"
	"example.com/tempctl/core/device"
	"example.com/tempctl/net/modbus"
)

type fakeBus struct {
	regs  map[uint16]uint16
	coils map[uint16]bool
	err   error
	slave byte
}

func (b *fakeBus) ReadHoldingRegisters(ctx context.Context, slaveID byte, addr, quantity uint16) (
	[]uint16, error) {
	b.slave = slaveID
	if b.err != nil {
		return nil, b.err
	}
	return []uint16{b.regs[addr]}, nil
}

func (b *fakeBus) ReadCoils(ctx context.Context, slaveID byte, addr, quantity uint16) ([]bool, error) {
	b.slave = slaveID
	if b.err != nil {
		return nil, b.err
	}
	return []bool{b.coils[addr]}, nil
}

func (b *fakeBus) WriteSingleCoil(ctx context.Context, slaveID byte, addr uint16, on bool) error {
	b.slave = slaveID
	if b.err != nil {
		return b.err
	}
	b.coils[addr] = on
	return nil
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: map[uint16]uint16{}, coils: map[uint16]bool{}}
}

func TestReadTemperature(t *testing.T) {
	tests := []struct {
		raw    uint16
		signed bool
		want   float64
	}{
		{205, false, 20.5},
		{0, false, 0},
		{0xffce, true, -5},
		{0xffce, false, 6548.6},
	}
	for _, tt := range tests {
		bus := newFakeBus()
		bus.regs[0] = tt.raw
		cfg := config.Default().Sensor
		cfg.Signed = tt.signed
		s := device.NewModbusSensor(bus, cfg)

		v, err := s.ReadTemperature(context.Background())
		if err != nil {
			t.Fatalf("ReadTemperature failed: %v", err)
		}
		if math.Abs(v-tt.want) > 1e-9 {
			t.Errorf("ReadTemperature(%#04x, signed=%t) = %v, want %v", tt.raw, tt.signed, v, tt.want)
		}
		if bus.slave != 1 {
			t.Errorf("unexpected slave %d", bus.slave)
		}
	}
}

func TestReadDensity(t *testing.T) {
	bus := newFakeBus()
	bus.regs[3] = 1180
	cfg := config.Default().Sensor

	s := device.NewModbusSensor(bus, cfg)
	d, err := s.ReadDensity(context.Background())
	if err != nil || d != device.DefaultDensity {
		t.Errorf("ReadDensity() = %v, %v, want %v", d, err, device.DefaultDensity)
	}

	cfg.DensityRegister = 3
	s = device.NewModbusSensor(bus, cfg)
	d, err = s.ReadDensity(context.Background())
	if err != nil || math.Abs(d-1.18) > 1e-9 {
		t.Errorf("ReadDensity() = %v, %v, want 1.18", d, err)
	}
}

func TestActuatorBank(t *testing.T) {
	bus := newFakeBus()
	b := device.NewModbusActuatorBank(bus, config.Default().Actuators)
	heater := device.Coil{Name: "heater", Bank: b, Addr: device.HeaterCoil}
	pump := device.Coil{Name: "pump", Bank: b, Addr: device.PumpCoil}
	ctx := context.Background()

	if err := heater.Write(ctx, true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if bus.slave != 2 {
		t.Errorf("unexpected slave %d", bus.slave)
	}
	on, err := heater.Read(ctx)
	if err != nil || !on {
		t.Errorf("heater.Read() = %t, %v, want true", on, err)
	}
	on, err = pump.Read(ctx)
	if err != nil || on {
		t.Errorf("pump.Read() = %t, %v, want false", on, err)
	}
}

func TestIOError(t *testing.T) {
	bus := newFakeBus()
	bus.err = modbus.ErrTimeout
	s := device.NewModbusSensor(bus, config.Default().Sensor)
	b := device.NewModbusActuatorBank(bus, config.Default().Actuators)
	ctx := context.Background()

	_, err := s.ReadTemperature(ctx)
	var ioErr *device.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("ReadTemperature() = %v, want *IOError", err)
	}
	if ioErr.Op != "read temperature" || ioErr.Slave != 1 || ioErr.Addr != 0 {
		t.Errorf("unexpected error details %+v", ioErr)
	}
	if !errors.Is(err, modbus.ErrTimeout) {
		t.Errorf("IOError must wrap the bus error")
	}

	_, err = b.ReadCoil(ctx, device.PumpCoil)
	if !errors.As(err, &ioErr) || ioErr.Op != "read coil" {
		t.Errorf("ReadCoil() = %v", err)
	}
	err = b.WriteCoil(ctx, device.HeaterCoil, false)
	if !errors.As(err, &ioErr) || ioErr.Op != "write coil" || ioErr.Addr != device.HeaterCoil {
		t.Errorf("WriteCoil() = %v", err)
	}
}
