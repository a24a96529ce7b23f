// Package device exposes the field devices to the control loop: a
// temperature sensor and a bank of addressed actuator coils.
package device

import (
	"context"
	"fmt"

	"example.com/tempctl/core/config"
)

const (
	PumpCoil   uint16 = 0
	HeaterCoil uint16 = 1

	// DefaultDensity is reported until a density register is configured.
	DefaultDensity = 1.225
)

// Bus is a Modbus master. *modbus.Client implements it.
type Bus interface {
	ReadHoldingRegisters(ctx context.Context, slaveID byte, addr, quantity uint16) ([]uint16, error)
	ReadCoils(ctx context.Context, slaveID byte, addr, quantity uint16) ([]bool, error)
	WriteSingleCoil(ctx context.Context, slaveID byte, addr uint16, on bool) error
}

type Sensor interface {
	ReadTemperature(ctx context.Context) (float64, error)
	ReadDensity(ctx context.Context) (float64, error)
}

type ActuatorBank interface {
	ReadCoil(ctx context.Context, addr uint16) (bool, error)
	WriteCoil(ctx context.Context, addr uint16, on bool) error
}

// IOError reports a failed device operation.
type IOError struct {
	Op    string
	Slave byte
	Addr  uint16
	Err   error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s slave %d address %d: %v", e.Op, e.Slave, e.Addr, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

type ModbusSensor struct {
	bus             Bus
	slave           byte
	register        uint16
	scale           float64
	signed          bool
	densityRegister int
	densityScale    float64
}

func NewModbusSensor(bus Bus, cfg config.SensorConfig) *ModbusSensor {
	return &ModbusSensor{
		bus:             bus,
		slave:           byte(cfg.Slave),
		register:        uint16(cfg.Register),
		scale:           cfg.Scale,
		signed:          cfg.Signed,
		densityRegister: cfg.DensityRegister,
		densityScale:    cfg.DensityScale,
	}
}

func (s *ModbusSensor) readRegister(ctx context.Context, op string, addr uint16) (uint16, error) {
	rs, err := s.bus.ReadHoldingRegisters(ctx, s.slave, addr, 1)
	if err != nil {
		return 0, &IOError{Op: op, Slave: s.slave, Addr: addr, Err: err}
	}
	return rs[0], nil
}

func (s *ModbusSensor) value(r uint16, scale float64) float64 {
	if s.signed {
		return float64(int16(r)) * scale
	}
	return float64(r) * scale
}

func (s *ModbusSensor) ReadTemperature(ctx context.Context) (float64, error) {
	r, err := s.readRegister(ctx, "read temperature", s.register)
	if err != nil {
		return 0, err
	}
	return s.value(r, s.scale), nil
}

func (s *ModbusSensor) ReadDensity(ctx context.Context) (float64, error) {
	if s.densityRegister < 0 {
		return DefaultDensity, nil
	}
	r, err := s.readRegister(ctx, "read density", uint16(s.densityRegister))
	if err != nil {
		return 0, err
	}
	return s.value(r, s.densityScale), nil
}

// ModbusActuatorBank drives the coils of a single I/O module. Heater and
// pump are two addresses on the same slave.
type ModbusActuatorBank struct {
	bus   Bus
	slave byte
}

func NewModbusActuatorBank(bus Bus, cfg config.ActuatorConfig) *ModbusActuatorBank {
	return &ModbusActuatorBank{bus: bus, slave: byte(cfg.Slave)}
}

func (b *ModbusActuatorBank) ReadCoil(ctx context.Context, addr uint16) (bool, error) {
	cs, err := b.bus.ReadCoils(ctx, b.slave, addr, 1)
	if err != nil {
		return false, &IOError{Op: "read coil", Slave: b.slave, Addr: addr, Err: err}
	}
	return cs[0], nil
}

func (b *ModbusActuatorBank) WriteCoil(ctx context.Context, addr uint16, on bool) error {
	err := b.bus.WriteSingleCoil(ctx, b.slave, addr, on)
	if err != nil {
		return &IOError{Op: "write coil", Slave: b.slave, Addr: addr, Err: err}
	}
	return nil
}

// Coil is a single named output of an ActuatorBank.
type Coil struct {
	Name string
	Bank ActuatorBank
	Addr uint16
}

func (c Coil) Read(ctx context.Context) (bool, error) {
	return c.Bank.ReadCoil(ctx, c.Addr)
}

func (c Coil) Write(ctx context.Context, on bool) error {
	return c.Bank.WriteCoil(ctx, c.Addr, on)
}
