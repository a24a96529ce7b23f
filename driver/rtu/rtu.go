// Package rtu attaches a Modbus RTU client to a local serial port.
package rtu

import (
	"fmt"
	"time"

	mbus "github.com/simonvetter/modbus"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"example.com/tempctl/core/config"
	"example.com/tempctl/net/modbus"
)

func parity(p string) (uint, error) {
	switch p {
	case "N":
		return mbus.PARITY_NONE, nil
	case "E":
		return mbus.PARITY_EVEN, nil
	case "O":
		return mbus.PARITY_ODD, nil
	default:
		return mbus.PARITY_NONE, fmt.Errorf("unsupported parity %q", p)
	}
}

// Configuration maps the [bus] section onto the RTU client settings.
func Configuration(cfg config.BusConfig) (*mbus.ClientConfiguration, error) {
	p, err := parity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	if cfg.StopBits != 1 && cfg.StopBits != 2 {
		return nil, fmt.Errorf("unsupported number of stop bits %d", cfg.StopBits)
	}
	if cfg.BaudRate <= 0 || cfg.DataBits <= 0 {
		return nil, fmt.Errorf("invalid line speed %d/%d", cfg.BaudRate, cfg.DataBits)
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = modbus.DefaultTimeout
	}
	return &mbus.ClientConfiguration{
		URL:      "rtu://" + cfg.Port,
		Speed:    uint(cfg.BaudRate),
		DataBits: uint(cfg.DataBits),
		Parity:   p,
		StopBits: uint(cfg.StopBits),
		Timeout:  timeout,
	}, nil
}

// Open opens the serial port named in cfg and returns a Modbus client on
// it. If the port cannot be opened the returned client fails every request.
func Open(log *zap.Logger, cfg config.BusConfig) *modbus.Client {
	conf, err := Configuration(cfg)
	if err != nil {
		log.Error("invalid serial line settings", zap.String("port", cfg.Port), zap.Error(err))
		return modbus.NewDisconnectedClient(log, err)
	}
	conn, err := mbus.NewClient(conf)
	if err != nil {
		log.Error("invalid serial line settings", zap.String("port", cfg.Port), zap.Error(err))
		return modbus.NewDisconnectedClient(log, err)
	}
	err = conn.Open()
	if err != nil {
		log.Error("failed to open serial port", zap.String("port", cfg.Port), zap.Error(err))
		return modbus.NewDisconnectedClient(log, err)
	}
	log.Info("serial port opened",
		zap.String("port", cfg.Port),
		zap.Int("baudRate", cfg.BaudRate),
		zap.Int("dataBits", cfg.DataBits),
		zap.String("parity", cfg.Parity),
		zap.Int("stopBits", cfg.StopBits),
		zap.Duration("timeout", conf.Timeout),
	)
	return modbus.NewClient(log, conn)
}

func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
