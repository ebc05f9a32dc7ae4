package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/codebje/romble/pkg/boardconfig"
	"github.com/codebje/romble/pkg/hal"
	"github.com/codebje/romble/pkg/hal/lineserial"
	"github.com/codebje/romble/pkg/hal/periphbus"
	"github.com/codebje/romble/pkg/hal/sysclock"
	"github.com/codebje/romble/pkg/parflash"
	"github.com/codebje/romble/pkg/serialflash"
	"github.com/codebje/romble/pkg/upload"
)

const (
	stateInit = 0
	stateRun  = 1
)

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", "romble.ini", "board configuration file")
	verbose := flag.Bool("v", false, "enable debug logging")
	serialIndicatorPin := flag.Int("serial-led", -1, "gpio pin id (port*32+bit) for the serial-flash busy indicator, -1 to disable")
	parallelIndicatorPin := flag.Int("parallel-led", -1, "gpio pin id (port*32+bit) for the parallel-flash busy indicator, -1 to disable")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := boardconfig.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load board configuration: %v\n", err)
		os.Exit(1)
	}

	if err := periphbus.Init(); err != nil {
		fmt.Printf("failed to initialize periph.io host drivers: %v\n", err)
		os.Exit(1)
	}

	clock := sysclock.New()

	spiBus, err := openSerialFlashBus(cfg.SerialFlash)
	if err != nil {
		fmt.Printf("failed to open serial-flash bus: %v\n", err)
		os.Exit(1)
	}
	serialDriver := serialflash.New(spiBus, clock, cfg.Timing.BusyTimeoutMillis)

	gpioBank, wiring, err := openParallelFlashBus(cfg.ParallelFlash)
	if err != nil {
		fmt.Printf("failed to open parallel-flash bank: %v\n", err)
		os.Exit(1)
	}
	crit := sysclock.NewCriticalSection()
	parallelDriver := parflash.New(gpioBank, clock, crit, wiring, cfg.Timing.TogglePollBound)

	line, err := lineserial.Open(cfg.Console.Device, cfg.Console.Baud)
	if err != nil {
		fmt.Printf("failed to open console serial line: %v\n", err)
		os.Exit(1)
	}
	defer line.Close()

	serialIndicator := indicatorFor(gpioBank, *serialIndicatorPin)
	parallelIndicator := indicatorFor(gpioBank, *parallelIndicatorPin)

	c := newConsole(hal.SerialLine(line), serialDriver, parallelDriver, serialIndicator, parallelIndicator)

	appState := stateInit
	startMain := time.Now()
	mainPeriod := 10 * time.Millisecond

	for {
		switch appState {
		case stateInit:
			log.Info("romble ready — waiting for a command")
			appState = stateRun

		case stateRun:
			elapsed := time.Since(startMain)
			startMain = time.Now()
			if elapsed < mainPeriod {
				time.Sleep(mainPeriod - elapsed)
			}
			cmd, err := line.ReadByte(time.Hour)
			if err != nil {
				log.WithError(err).Warn("console read failed")
				continue
			}
			c.dispatch(cmd)
		}
	}
}

func indicatorFor(gpio hal.GPIOBank, pin int) upload.Indicator {
	if pin < 0 {
		return upload.Indicator{}
	}
	return upload.NewIndicator(gpio, pin)
}
