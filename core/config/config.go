// Package config holds the service configuration read from a TOML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("invalid configuration")

type BusConfig struct {
	Port      string `toml:"port,omitempty"`
	BaudRate  int    `toml:"baud_rate,omitempty"`
	DataBits  int    `toml:"data_bits,omitempty"`
	StopBits  int    `toml:"stop_bits,omitempty"`
	Parity    string `toml:"parity,omitempty"`
	TimeoutMs int    `toml:"timeout_ms,omitempty"`
}

type SensorConfig struct {
	Slave           int     `toml:"slave,omitempty"`
	Register        int     `toml:"register"`
	Scale           float64 `toml:"scale,omitempty"`
	Signed          bool    `toml:"signed,omitempty"`
	DensityRegister int     `toml:"density_register,omitempty"`
	DensityScale    float64 `toml:"density_scale,omitempty"`
}

type ActuatorConfig struct {
	Slave      int `toml:"slave,omitempty"`
	HeaterCoil int `toml:"heater_coil"`
	PumpCoil   int `toml:"pump_coil"`
}

type ControlConfig struct {
	KP             float64 `toml:"kp"`
	KI             float64 `toml:"ki"`
	MinOutput      float64 `toml:"min_output"`
	MaxOutput      float64 `toml:"max_output,omitempty"`
	Setpoint       float64 `toml:"setpoint"`
	SetpointMin    float64 `toml:"setpoint_min"`
	SetpointMax    float64 `toml:"setpoint_max"`
	PollIntervalMs int     `toml:"poll_interval_ms,omitempty"`
	PWMPeriodMs    int     `toml:"pwm_period_ms,omitempty"`
	DutyHigh       float64 `toml:"duty_high,omitempty"`
	DutyLow        float64 `toml:"duty_low"`
	MaxDtMs        int     `toml:"max_dt_ms,omitempty"`
}

type MonitorConfig struct {
	Listen string `toml:"listen,omitempty"`
}

type TelemetryConfig struct {
	Broker   string `toml:"broker,omitempty"`
	Topic    string `toml:"topic,omitempty"`
	ClientID string `toml:"client_id,omitempty"`
}

type SimConfig struct {
	Ambient            float64 `toml:"ambient"`
	InitialTemperature float64 `toml:"initial_temperature"`
	HeaterRate         float64 `toml:"heater_rate,omitempty"`
	LossCoefficient    float64 `toml:"loss_coefficient,omitempty"`
}

type Config struct {
	Bus       BusConfig       `toml:"bus"`
	Sensor    SensorConfig    `toml:"sensor"`
	Actuators ActuatorConfig  `toml:"actuators"`
	Control   ControlConfig   `toml:"control"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Sim       SimConfig       `toml:"sim"`
}

func Default() Config {
	return Config{
		Bus: BusConfig{
			Port:      "/dev/ttyUSB0",
			BaudRate:  9600,
			DataBits:  8,
			StopBits:  1,
			Parity:    "N",
			TimeoutMs: 1000,
		},
		Sensor: SensorConfig{
			Slave:           1,
			Register:        0,
			Scale:           0.1,
			DensityRegister: -1,
			DensityScale:    0.001,
		},
		Actuators: ActuatorConfig{
			Slave:      2,
			HeaterCoil: 1,
			PumpCoil:   0,
		},
		Control: ControlConfig{
			KP:             2,
			KI:             2,
			MinOutput:      0,
			MaxOutput:      100,
			Setpoint:       32,
			SetpointMin:    0,
			SetpointMax:    100,
			PollIntervalMs: 5000,
			PWMPeriodMs:    5000,
			DutyHigh:       95,
			DutyLow:        5,
			MaxDtMs:        15000,
		},
		Monitor: MonitorConfig{
			Listen: "127.0.0.1:8080",
		},
		Telemetry: TelemetryConfig{
			Topic:    "tempctl/state",
			ClientID: "tempctl",
		},
		Sim: SimConfig{
			Ambient:            20.5,
			InitialTemperature: 20.5,
			HeaterRate:         0.05,
			LossCoefficient:    0.002,
		},
	}
}

// Decode reads a TOML configuration from r on top of the defaults.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func Load(configFile string) (Config, error) {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return Config{}, err
	}
	return Decode(bytes.NewReader(raw))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validSlave(id int) bool {
	return id >= 1 && id <= 247
}

func validAddr(addr int) bool {
	return addr >= 0 && addr <= 0xffff
}

func (c *Config) Validate() error {
	switch {
	case c.Bus.BaudRate <= 0:
		return invalid("bus.baud_rate %d", c.Bus.BaudRate)
	case c.Bus.DataBits < 5 || c.Bus.DataBits > 8:
		return invalid("bus.data_bits %d", c.Bus.DataBits)
	case c.Bus.StopBits != 1 && c.Bus.StopBits != 2:
		return invalid("bus.stop_bits %d", c.Bus.StopBits)
	case c.Bus.Parity != "N" && c.Bus.Parity != "E" && c.Bus.Parity != "O":
		return invalid("bus.parity %q", c.Bus.Parity)
	case c.Bus.TimeoutMs <= 0:
		return invalid("bus.timeout_ms %d", c.Bus.TimeoutMs)
	case !validSlave(c.Sensor.Slave):
		return invalid("sensor.slave %d", c.Sensor.Slave)
	case !validAddr(c.Sensor.Register):
		return invalid("sensor.register %d", c.Sensor.Register)
	case c.Sensor.Scale == 0:
		return invalid("sensor.scale must not be zero")
	case c.Sensor.DensityRegister != -1 && !validAddr(c.Sensor.DensityRegister):
		return invalid("sensor.density_register %d", c.Sensor.DensityRegister)
	case !validSlave(c.Actuators.Slave):
		return invalid("actuators.slave %d", c.Actuators.Slave)
	case !validAddr(c.Actuators.HeaterCoil) || !validAddr(c.Actuators.PumpCoil):
		return invalid("actuators coil address out of range")
	case c.Actuators.HeaterCoil == c.Actuators.PumpCoil:
		return invalid("actuators.heater_coil and actuators.pump_coil must differ")
	case c.Control.MinOutput < 0 || c.Control.MaxOutput > 100:
		return invalid("control output range [%v, %v] outside [0, 100]",
			c.Control.MinOutput, c.Control.MaxOutput)
	case c.Control.MinOutput > c.Control.MaxOutput:
		return invalid("control.min_output %v > control.max_output %v",
			c.Control.MinOutput, c.Control.MaxOutput)
	case c.Control.SetpointMin > c.Control.SetpointMax:
		return invalid("control.setpoint_min %v > control.setpoint_max %v",
			c.Control.SetpointMin, c.Control.SetpointMax)
	case c.Control.Setpoint < c.Control.SetpointMin || c.Control.Setpoint > c.Control.SetpointMax:
		return invalid("control.setpoint %v outside [%v, %v]",
			c.Control.Setpoint, c.Control.SetpointMin, c.Control.SetpointMax)
	case c.Control.PollIntervalMs <= 0:
		return invalid("control.poll_interval_ms %d", c.Control.PollIntervalMs)
	case c.Control.PWMPeriodMs <= 0:
		return invalid("control.pwm_period_ms %d", c.Control.PWMPeriodMs)
	case c.Control.PWMPeriodMs > c.Control.PollIntervalMs:
		// a cycle longer than the poll interval is superseded before its OFF
		return invalid("control.pwm_period_ms %d > control.poll_interval_ms %d",
			c.Control.PWMPeriodMs, c.Control.PollIntervalMs)
	case c.Control.MaxDtMs <= 0:
		return invalid("control.max_dt_ms %d", c.Control.MaxDtMs)
	case c.Control.DutyLow < 0 || c.Control.DutyHigh > 100:
		return invalid("control duty thresholds [%v, %v] outside [0, 100]",
			c.Control.DutyLow, c.Control.DutyHigh)
	case c.Control.DutyLow > c.Control.DutyHigh:
		return invalid("control.duty_low %v > control.duty_high %v",
			c.Control.DutyLow, c.Control.DutyHigh)
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Bus.TimeoutMs) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Control.PollIntervalMs) * time.Millisecond
}

func (c *Config) PWMPeriod() time.Duration {
	return time.Duration(c.Control.PWMPeriodMs) * time.Millisecond
}

func (c *Config) MaxDt() time.Duration {
	return time.Duration(c.Control.MaxDtMs) * time.Millisecond
}
