// Temperature control service

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"example.com/tempctl/base/floats"
	"example.com/tempctl/base/timebase"

	"example.com/tempctl/core/api"
	"example.com/tempctl/core/config"
	"example.com/tempctl/core/device"
	"example.com/tempctl/core/loop"
	"example.com/tempctl/core/reactor"
	"example.com/tempctl/core/telemetry"

	"example.com/tempctl/driver/clock"
	"example.com/tempctl/driver/rtu"
	"example.com/tempctl/driver/sim"
)

const (
	shutdownTimeout = 5 * time.Second
	readTimeout     = 10 * time.Second
)

var (
	log *zap.Logger
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
}

func loadConfig(configFile string) config.Config {
	if configFile == "" {
		return config.Default()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.String("file", configFile), zap.Error(err))
	}
	return cfg
}

func runService(cfg config.Config, clk timebase.LocalClock,
	sensor device.Sensor, bank device.ActuatorBank, timings map[string]api.TimingFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := reactor.New(log, clk)
	l := loop.New(log, r, sensor, bank, cfg)

	timings["heater_off_lateness"] = l.Scheduler().LatenessQuantiles
	srv := api.New(log, l, timings)
	l.Subscribe(srv.Publish)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Telemetry.Broker != "" {
		p := telemetry.Dial(log, cfg.Telemetry)
		l.Subscribe(p.Publish)
		g.Go(func() error {
			return p.Run(ctx)
		})
	}
	g.Go(func() error {
		err := srv.ListenAndServe(ctx, cfg.Monitor.Listen)
		if err != nil {
			log.Error("failed to serve API", zap.Error(err))
		}
		return nil
	})
	l.Start(ctx)
	g.Go(func() error {
		err := r.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err := g.Wait()
	if err != nil {
		log.Error("service failed", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	l.Shutdown(sctx)
}

func runController(configFile string) {
	cfg := loadConfig(configFile)

	c := rtu.Open(log, cfg.Bus)
	defer c.Close()

	lclk := &clock.SystemClock{Log: log}
	runService(cfg, lclk,
		device.NewModbusSensor(c, cfg.Sensor),
		device.NewModbusActuatorBank(c, cfg.Actuators),
		map[string]api.TimingFunc{"fieldbus_rtt": c.RoundTripQuantiles},
	)
}

func runSimulation(configFile string) {
	cfg := loadConfig(configFile)

	lclk := &clock.SystemClock{Log: log}
	plant, err := sim.NewPlant(lclk, cfg.Sim)
	if err != nil {
		log.Fatal("failed to create simulated plant", zap.Error(err))
	}
	log.Info("running against simulated plant",
		zap.Float64("ambient", cfg.Sim.Ambient),
		zap.Float64("heaterRate", cfg.Sim.HeaterRate),
		zap.Float64("lossCoefficient", cfg.Sim.LossCoefficient),
	)
	runService(cfg, lclk, plant, plant, map[string]api.TimingFunc{})
}

func runRead(configFile string, samples int) {
	cfg := loadConfig(configFile)

	c := rtu.Open(log, cfg.Bus)
	defer c.Close()
	sensor := device.NewModbusSensor(c, cfg.Sensor)
	bank := device.NewModbusActuatorBank(c, cfg.Actuators)

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	var temps []float64
	for i := 0; i != samples; i++ {
		v, err := sensor.ReadTemperature(ctx)
		if err != nil {
			log.Info("failed to read temperature", zap.Error(err))
			continue
		}
		temps = append(temps, v)
	}
	if len(temps) != 0 {
		fmt.Printf("temperature\t%.1f °C\t(median of %d/%d samples)\n",
			floats.Median(temps), len(temps), samples)
	} else {
		fmt.Printf("temperature\tunavailable\n")
	}

	density, err := sensor.ReadDensity(ctx)
	if err != nil {
		fmt.Printf("density\tunavailable\n")
	} else {
		fmt.Printf("density\t%.3f\n", density)
	}

	for _, coil := range []device.Coil{
		{Name: "heater", Bank: bank, Addr: uint16(cfg.Actuators.HeaterCoil)},
		{Name: "pump", Bank: bank, Addr: uint16(cfg.Actuators.PumpCoil)},
	} {
		on, err := coil.Read(ctx)
		if err != nil {
			fmt.Printf("%s\tunavailable\t(%v)\n", coil.Name, err)
			continue
		}
		fmt.Printf("%s\t%t\n", coil.Name, on)
	}
}

func runListPorts() {
	ports, err := rtu.ListPorts()
	if err != nil {
		log.Fatal("failed to list serial ports", zap.Error(err))
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}

func exitWithUsage() {
	fmt.Println("usage: tempctl run|sim|read|ports [-verbose] [-config <file>]")
	os.Exit(1)
}

func main() {
	var (
		verbose    bool
		configFile string
		samples    int
	)

	runFlags := flag.NewFlagSet("run", flag.ExitOnError)
	simFlags := flag.NewFlagSet("sim", flag.ExitOnError)
	readFlags := flag.NewFlagSet("read", flag.ExitOnError)
	portsFlags := flag.NewFlagSet("ports", flag.ExitOnError)

	runFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	runFlags.StringVar(&configFile, "config", "", "Config file")

	simFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	simFlags.StringVar(&configFile, "config", "", "Config file")

	readFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	readFlags.StringVar(&configFile, "config", "", "Config file")
	readFlags.IntVar(&samples, "samples", 1, "Number of temperature samples")

	portsFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case runFlags.Name():
		err := runFlags.Parse(os.Args[2:])
		if err != nil || runFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runController(configFile)
	case simFlags.Name():
		err := simFlags.Parse(os.Args[2:])
		if err != nil || simFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		runSimulation(configFile)
	case readFlags.Name():
		err := readFlags.Parse(os.Args[2:])
		if err != nil || readFlags.NArg() != 0 {
			exitWithUsage()
		}
		if samples < 1 {
			exitWithUsage()
		}
		initLogger(verbose)
		runRead(configFile, samples)
	case portsFlags.Name():
		err := portsFlags.Parse(os.Args[2:])
		if err != nil || portsFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		runListPorts()
	default:
		exitWithUsage()
	}
}
