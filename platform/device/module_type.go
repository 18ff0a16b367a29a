package device

import (
	"strings"

	"go.viam.com/hdf/errno"
)

// ModuleType identifies the kind of platform driver a manager serves.
type ModuleType int

// Module types known to the platform.
const (
	ModuleGPIO ModuleType = iota
	ModuleI2C
	ModuleSPI
	ModulePin
	ModuleClock
	ModuleRegulator
	ModuleMipiDsi
	ModuleMipiCsi
	ModuleUART
	ModuleSDIO
	ModuleMDIO
	ModuleAPB
	ModulePCIE
	ModulePCM
	ModuleI2S
	ModulePWM
	ModuleDMA
	ModuleADC
	ModuleRTC
	ModuleWDT
	ModuleI3C
	ModuleCAN
	ModuleHDMI
	ModuleMMC
	ModuleMTD
	ModuleTimer
	ModuleDAC
	ModuleDefault
	moduleMax
)

var moduleNames = [...]string{
	ModuleGPIO:      "gpio",
	ModuleI2C:       "i2c",
	ModuleSPI:       "spi",
	ModulePin:       "pin",
	ModuleClock:     "clock",
	ModuleRegulator: "regulator",
	ModuleMipiDsi:   "mipi_dsi",
	ModuleMipiCsi:   "mipi_csi",
	ModuleUART:      "uart",
	ModuleSDIO:      "sdio",
	ModuleMDIO:      "mdio",
	ModuleAPB:       "apb",
	ModulePCIE:      "pcie",
	ModulePCM:       "pcm",
	ModuleI2S:       "i2s",
	ModulePWM:       "pwm",
	ModuleDMA:       "dma",
	ModuleADC:       "adc",
	ModuleRTC:       "rtc",
	ModuleWDT:       "wdt",
	ModuleI3C:       "i3c",
	ModuleCAN:       "can",
	ModuleHDMI:      "hdmi",
	ModuleMMC:       "mmc",
	ModuleMTD:       "mtd",
	ModuleTimer:     "timer",
	ModuleDAC:       "dac",
	ModuleDefault:   "default",
}

// Valid reports whether t names a known module.
func (t ModuleType) Valid() bool {
	return t >= 0 && t < moduleMax
}

func (t ModuleType) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return moduleNames[t]
}

// ParseModuleType returns the module type with the given name, ignoring case.
func ParseModuleType(name string) (ModuleType, error) {
	for t, known := range moduleNames {
		if strings.EqualFold(known, name) {
			return ModuleType(t), nil
		}
	}
	return moduleMax, errno.Wrapf(errno.ErrDevType, "unknown module type %q", name)
}
