package config

import (
	"errors"
	"fmt"
	"io/fs"
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".core2md"
	configFile string = "config.yml"
)

const (
	// DefaultMissingMemoryFill is the byte written in place of memory that
	// the core dump does not contain.
	DefaultMissingMemoryFill = 0xab

	// DefaultDisassembleWindow is the number of instructions printed on
	// each side of the crashing PC by 'core2md inspect'.
	DefaultDisassembleWindow = 4
)

// Color modes accepted by the color option.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// MissingMemoryFill is the byte used to fill stack memory that is not
	// present in the core dump.
	MissingMemoryFill *int `yaml:"missing-memory-fill,omitempty"`

	// MaxStackSize caps the number of bytes copied for the crashing
	// thread's stack. Zero means no limit.
	MaxStackSize uint64 `yaml:"max-stack-size"`

	// Timestamp, when non zero, is written in the minidump header instead
	// of the current time. Useful to produce reproducible output.
	Timestamp uint32 `yaml:"timestamp"`

	// DisassembleWindow is the number of instructions to print before and
	// after the crashing PC in 'core2md inspect'.
	DisassembleWindow *int `yaml:"disassemble-window,omitempty"`

	// Color selects whether 'core2md inspect' colorizes its output:
	// auto, always or never.
	Color string `yaml:"color"`
}

// FillByte returns the configured missing memory fill byte.
func (c *Config) FillByte() byte {
	if c == nil || c.MissingMemoryFill == nil {
		return DefaultMissingMemoryFill
	}
	return byte(*c.MissingMemoryFill)
}

// DisasmWindow returns the configured disassembly window.
func (c *Config) DisasmWindow() int {
	if c == nil || c.DisassembleWindow == nil || *c.DisassembleWindow < 0 {
		return DefaultDisassembleWindow
	}
	return *c.DisassembleWindow
}

// ColorMode returns the configured color mode, defaulting to auto.
func (c *Config) ColorMode() string {
	if c == nil {
		return ColorAuto
	}
	switch c.Color {
	case ColorAlways, ColorNever:
		return c.Color
	}
	return ColorAuto
}

// Validate checks that the values in c are in range.
func (c *Config) Validate() error {
	if c.MissingMemoryFill != nil && (*c.MissingMemoryFill < 0 || *c.MissingMemoryFill > 0xff) {
		return fmt.Errorf("missing-memory-fill must be a byte value, got %#x", *c.MissingMemoryFill)
	}
	switch c.Color {
	case "", ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("color must be one of auto, always or never, got %q", c.Color)
	}
	return nil
}

// LoadConfig reads the configuration from $HOME/.core2md/config.yml. A
// missing file, or a missing home directory, yields the defaults. Nothing
// is created, see InitConfig.
func LoadConfig() (*Config, error) {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, nil
	}
	c, err := LoadConfigFrom(fullConfigFile)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	return c, err
}

// LoadConfigFrom reads the configuration from the file at path and reports
// every error, including a missing file.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", path, err)
	}
	return c, nil
}

func parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// InitConfig writes the commented default configuration to path, creating
// its directory. An existing file is left alone and created is false.
func InitConfig(path string) (created bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("could not create config directory: %v", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("unable to create config file: %v", err)
	}
	if err := writeDefaultConfig(f); err != nil {
		f.Close()
		return false, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return true, f.Close()
}

// YAML returns the effective configuration, defaults filled in.
func (c *Config) YAML() ([]byte, error) {
	fill := int(c.FillByte())
	window := c.DisasmWindow()
	eff := Config{
		MissingMemoryFill: &fill,
		DisassembleWindow: &window,
		Color:             c.ColorMode(),
	}
	if c != nil {
		eff.MaxStackSize = c.MaxStackSize
		eff.Timestamp = c.Timestamp
	}
	return yaml.Marshal(eff)
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for core2md.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Byte written in place of stack memory that is missing from the core dump.
# missing-memory-fill: 0xab

# Maximum number of bytes copied for the crashing thread's stack, 0 means no limit.
# max-stack-size: 0

# Fixed minidump header timestamp (seconds since the epoch), 0 means now.
# timestamp: 0

# Number of instructions printed around the crashing PC by 'core2md inspect'.
# disassemble-window: 4

# Colorize 'core2md inspect' output: auto, always or never.
# color: auto
`)
	return err
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configDir, file), nil
}
