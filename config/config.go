// Package config describes the managers, devices and queues a platform daemon brings up.
package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/hdf/logging"
	"go.viam.com/hdf/platform/device"
)

// A Config describes a whole platform.
type Config struct {
	Log      LogConfig       `json:"log,omitempty"`
	Managers []ManagerConfig `json:"managers"`
	Queues   []QueueConfig   `json:"queues,omitempty"`
}

// LogConfig configures the daemon's logging.
type LogConfig struct {
	Level    string                        `json:"level,omitempty"`
	File     *logging.FileAppenderConfig   `json:"file,omitempty"`
	Patterns []logging.LoggerPatternConfig `json:"patterns,omitempty"`
}

// A ManagerConfig describes the manager of one module type and its devices.
type ManagerConfig struct {
	Module         string         `json:"module"`
	MaxDevices     int            `json:"max_devices,omitempty"`
	NameComparison string         `json:"name_comparison,omitempty" jsonschema:"enum=identity,enum=value"`
	Devices        []DeviceConfig `json:"devices,omitempty"`
}

// A DeviceConfig describes one device registered at startup.
type DeviceConfig struct {
	Number        int32                  `json:"number"`
	Name          string                 `json:"name,omitempty"`
	InitialEvents uint32                 `json:"initial_events,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
}

// A QueueConfig describes a work queue that delivers events to the devices of one module.
type QueueConfig struct {
	Name   string `json:"name"`
	Module string `json:"module"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if _, err := logLevel(c.Log.Level); err != nil {
		return utils.NewConfigValidationError("log", err)
	}
	if c.Log.File != nil && c.Log.File.Path == "" {
		return utils.NewConfigValidationFieldRequiredError("log.file", "path")
	}
	seen := map[device.ModuleType]bool{}
	for idx, conf := range c.Managers {
		path := fmt.Sprintf("managers.%d", idx)
		if err := conf.Validate(path); err != nil {
			return err
		}
		mt, _ := conf.ModuleType()
		if seen[mt] {
			return utils.NewConfigValidationError(path, errors.Errorf("module %q configured twice", conf.Module))
		}
		seen[mt] = true
	}
	for idx, conf := range c.Queues {
		path := fmt.Sprintf("queues.%d", idx)
		if err := conf.Validate(path); err != nil {
			return err
		}
		mt, _ := device.ParseModuleType(conf.Module)
		if !seen[mt] {
			return utils.NewConfigValidationError(path, errors.Errorf("no manager for module %q", conf.Module))
		}
	}
	return nil
}

// LogLevel returns the configured level, INFO when unset.
func (c *Config) LogLevel() logging.Level {
	level, _ := logLevel(c.Log.Level)
	return level
}

func logLevel(s string) (logging.Level, error) {
	if s == "" {
		return logging.INFO, nil
	}
	return logging.LevelFromString(s)
}

// Validate ensures the manager config is valid.
func (conf *ManagerConfig) Validate(path string) error {
	if conf.Module == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "module")
	}
	if _, err := conf.ModuleType(); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if conf.MaxDevices < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_devices cannot be negative"))
	}
	if conf.MaxDevices > 0 && len(conf.Devices) > conf.MaxDevices {
		return utils.NewConfigValidationError(path,
			errors.Errorf("%d devices configured but max_devices is %d", len(conf.Devices), conf.MaxDevices))
	}
	switch conf.NameComparison {
	case "", "identity", "value":
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown name_comparison %q", conf.NameComparison))
	}
	numbers := map[int32]bool{}
	for idx, dev := range conf.Devices {
		devPath := fmt.Sprintf("%s.devices.%d", path, idx)
		if numbers[dev.Number] {
			return utils.NewConfigValidationError(devPath, errors.Errorf("duplicate device number %d", dev.Number))
		}
		numbers[dev.Number] = true
	}
	return nil
}

// ModuleType parses the configured module name.
func (conf *ManagerConfig) ModuleType() (device.ModuleType, error) {
	return device.ParseModuleType(conf.Module)
}

// Options returns the manager options this config asks for.
func (conf *ManagerConfig) Options() []device.Option {
	var opts []device.Option
	if conf.NameComparison == "value" {
		opts = append(opts, device.WithNameComparison(device.NameByValue))
	}
	if conf.MaxDevices > 0 {
		opts = append(opts, device.WithMaxDevices(conf.MaxDevices))
	}
	return opts
}

// DecodeAttributes decodes the free form attributes into target, which must be a pointer to a
// struct using json tags.
func (conf *DeviceConfig) DecodeAttributes(target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return errors.Wrapf(decoder.Decode(conf.Attributes), "decoding attributes of device %d", conf.Number)
}

// Validate ensures the queue config is valid.
func (conf *QueueConfig) Validate(path string) error {
	if conf.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if conf.Module == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "module")
	}
	if _, err := device.ParseModuleType(conf.Module); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

// Schema returns the JSON schema of the config file.
func Schema() *jsonschema.Schema {
	return jsonschema.Reflect(&Config{})
}
