package config

import (
	"encoding/json"
	"strings"
	"testing"

	"go.viam.com/test"

	"go.viam.com/hdf/errno"
	"go.viam.com/hdf/logging"
	"go.viam.com/hdf/platform/device"
)

func TestRead(t *testing.T) {
	cfg, err := Read("data/platform.json")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.LogLevel(), test.ShouldEqual, logging.DEBUG)
	test.That(t, cfg.Log.Patterns, test.ShouldResemble, []logging.LoggerPatternConfig{
		{Pattern: "platform.manager.*", Level: "warn"},
	})
	test.That(t, cfg.Managers, test.ShouldHaveLength, 2)
	test.That(t, cfg.Queues, test.ShouldHaveLength, 1)

	gpio := cfg.Managers[0]
	mt, err := gpio.ModuleType()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mt, test.ShouldEqual, device.ModuleGPIO)
	test.That(t, gpio.MaxDevices, test.ShouldEqual, 4)
	test.That(t, gpio.Options(), test.ShouldHaveLength, 1)
	test.That(t, gpio.Devices[0].InitialEvents, test.ShouldEqual, 1)

	i2c := cfg.Managers[1]
	test.That(t, i2c.NameComparison, test.ShouldEqual, "value")
	test.That(t, i2c.Options(), test.ShouldHaveLength, 1)

	_, err = Read("data/missing.json")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFromReaderErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		input  string
		errMsg string
	}{
		{"bad json", `{"managers": [`, "cannot parse config"},
		{"unknown field", `{"managers": [], "bogus": 1}`, "bogus"},
		{"bad log level", `{"log": {"level": "loud"}}`, "unknown log level"},
		{"file without path", `{"log": {"file": {"max_size_mb": 1}}}`, `"path" is required`},
		{"missing module", `{"managers": [{"devices": []}]}`, `"module" is required`},
		{"unknown module", `{"managers": [{"module": "usb"}]}`, "unknown module type"},
		{"negative max", `{"managers": [{"module": "spi", "max_devices": -1}]}`, "cannot be negative"},
		{
			"too many devices",
			`{"managers": [{"module": "spi", "max_devices": 1, "devices": [{"number": 0}, {"number": 1}]}]}`,
			"max_devices is 1",
		},
		{"bad comparison", `{"managers": [{"module": "spi", "name_comparison": "fuzzy"}]}`, "fuzzy"},
		{
			"duplicate number",
			`{"managers": [{"module": "spi", "devices": [{"number": 2}, {"number": 2}]}]}`,
			"managers.0.devices.1",
		},
		{"duplicate module", `{"managers": [{"module": "spi"}, {"module": "SPI"}]}`, "configured twice"},
		{"queue without name", `{"managers": [{"module": "spi"}], "queues": [{"module": "spi"}]}`, `"name" is required`},
		{"queue without manager", `{"managers": [{"module": "spi"}], "queues": [{"name": "q", "module": "uart"}]}`, "no manager"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromReader(strings.NewReader(tc.input))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errMsg)
		})
	}
}

func TestModuleErrorCode(t *testing.T) {
	conf := ManagerConfig{Module: "usb"}
	_, err := conf.ModuleType()
	test.That(t, errno.CodeOf(err), test.ShouldEqual, errno.ErrDevType)
}

type gpioAttributes struct {
	Pins  int    `json:"pins"`
	Label string `json:"label"`
}

func TestDecodeAttributes(t *testing.T) {
	conf := DeviceConfig{
		Number:     0,
		Attributes: map[string]interface{}{"pins": "32", "label": "bank0"},
	}
	var attrs gpioAttributes
	test.That(t, conf.DecodeAttributes(&attrs), test.ShouldBeNil)
	test.That(t, attrs, test.ShouldResemble, gpioAttributes{Pins: 32, Label: "bank0"})

	conf.Attributes = map[string]interface{}{"pins": []int{1}}
	err := conf.DecodeAttributes(&attrs)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "device 0")

	var empty gpioAttributes
	test.That(t, (&DeviceConfig{}).DecodeAttributes(&empty), test.ShouldBeNil)
	test.That(t, empty, test.ShouldResemble, gpioAttributes{})
}

func TestSchema(t *testing.T) {
	schema := Schema()
	test.That(t, schema, test.ShouldNotBeNil)
	out, err := json.Marshal(schema)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldContainSubstring, "managers")
	test.That(t, string(out), test.ShouldContainSubstring, "initial_events")
}
