package main

import (
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/codebje/romble/pkg/boardconfig"
	"github.com/codebje/romble/pkg/hal/periphbus"
	"github.com/codebje/romble/pkg/parflash"
)

// Pin-ID convention shared between the Bank this opens and the
// parflash.Wiring it builds: 18 address lines on port 0, bits 0-17; 8 data
// lines on port 0, bits 18-25; CE/OE/WE on port 1, bits 0-2.
const (
	addressPort = 0
	dataPortBit = 18
	controlPort = 1
)

func openSerialFlashBus(cfg boardconfig.SerialFlashConfig) (*periphbus.SPI, error) {
	bus, err := periphbus.OpenSPI(cfg.Device, cfg.ChipSelect, physic.Frequency(cfg.SpeedHz)*physic.Hertz)
	if err != nil {
		return nil, fmt.Errorf("open serial-flash bus: %w", err)
	}
	return bus, nil
}

func openParallelFlashBus(cfg boardconfig.ParallelFlashConfig) (*periphbus.Bank, parflash.Wiring, error) {
	var wiring parflash.Wiring
	names := make(map[int]string)

	for i, name := range cfg.Address {
		id := periphbus.PinID(addressPort, i)
		names[id] = name
		wiring.Address[i] = parflash.PinRef{Port: addressPort, Bit: i}
	}
	for i, name := range cfg.Data {
		id := periphbus.PinID(addressPort, dataPortBit+i)
		names[id] = name
		wiring.Data[i] = parflash.PinRef{Port: addressPort, Bit: dataPortBit + i}
	}

	ceID := periphbus.PinID(controlPort, 0)
	oeID := periphbus.PinID(controlPort, 1)
	weID := periphbus.PinID(controlPort, 2)
	names[ceID] = cfg.CE
	names[oeID] = cfg.OE
	names[weID] = cfg.WE
	wiring.CE = parflash.PinRef{Port: controlPort, Bit: 0}
	wiring.OE = parflash.PinRef{Port: controlPort, Bit: 1}
	wiring.WE = parflash.PinRef{Port: controlPort, Bit: 2}

	bank, err := periphbus.OpenBank(names)
	if err != nil {
		return nil, parflash.Wiring{}, fmt.Errorf("open parallel-flash bank: %w", err)
	}
	return bank, wiring, nil
}
