package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/barnettlynn/se05x/pkg/scp03"
	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	// ValidationFull requires the static key files.
	ValidationFull ValidationMode = iota
	// ValidationNoKeys is used by commands that never open a channel (select, bridge).
	ValidationNoKeys
)

const (
	KindPCSC   = "pcsc"
	KindI2C    = "i2c"
	KindRemote = "remote"
	KindSim    = "sim"

	DefaultI2CAddress     = 0x48
	DefaultDiscoverWindow = 3 * time.Second
	DefaultRetries        = 2
)

type Config struct {
	Keys      KeysConfig      `yaml:"keys"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type KeysConfig struct {
	ENCKeyFile string `yaml:"enc_key_file"`
	MACKeyFile string `yaml:"mac_key_file"`
	DEKKeyFile string `yaml:"dek_key_file"`
	KeyVersion *int   `yaml:"key_version"`
}

type TransportConfig struct {
	Kind            string        `yaml:"kind"`
	ReaderIndex     *int          `yaml:"reader_index"`
	I2CBus          string        `yaml:"i2c_bus"`
	I2CAddress      *int          `yaml:"i2c_address"`
	RemoteURL       string        `yaml:"remote_url"`
	Discover        bool          `yaml:"discover"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
}

type SessionConfig struct {
	SecurityLevel    *int          `yaml:"security_level"`
	AutoReauth       *bool         `yaml:"auto_reauth"`
	AllowPlain       bool          `yaml:"allow_plain"`
	TransportRetries *int          `yaml:"transport_retries"`
	ExchangeTimeout  time.Duration `yaml:"exchange_timeout"`
	MaxTimeouts      *int          `yaml:"max_timeouts"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default is the configuration used when no file is given: the simulator with no keys.
func Default() *Config {
	return &Config{Transport: TransportConfig{Kind: KindSim}}
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateTransport(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	if mode == ValidationFull {
		return c.validateKeys()
	}
	return nil
}

func (c *Config) validateKeys() error {
	for _, f := range []struct{ path, field string }{
		{c.Keys.ENCKeyFile, "config.keys.enc_key_file"},
		{c.Keys.MACKeyFile, "config.keys.mac_key_file"},
		{c.Keys.DEKKeyFile, "config.keys.dek_key_file"},
	} {
		if strings.TrimSpace(f.path) == "" {
			return fmt.Errorf("%s is required", f.field)
		}
		if err := validateReadableFile(f.path, f.field); err != nil {
			return err
		}
	}
	if c.Keys.KeyVersion != nil && (*c.Keys.KeyVersion < 0 || *c.Keys.KeyVersion > 0x7F) {
		return fmt.Errorf("config.keys.key_version must be in 0..0x7F")
	}
	return nil
}

func (c *Config) validateTransport() error {
	t := &c.Transport
	switch t.Kind {
	case KindPCSC:
		if t.ReaderIndex == nil {
			return fmt.Errorf("config.transport.reader_index is required for pcsc")
		}
		if *t.ReaderIndex < 0 {
			return fmt.Errorf("config.transport.reader_index must be >= 0")
		}
	case KindI2C:
		if strings.TrimSpace(t.I2CBus) == "" {
			return fmt.Errorf("config.transport.i2c_bus is required for i2c")
		}
		if t.I2CAddress != nil && (*t.I2CAddress < 0x08 || *t.I2CAddress > 0x77) {
			return fmt.Errorf("config.transport.i2c_address must be a 7-bit address in 0x08..0x77")
		}
	case KindRemote:
		if t.Discover {
			break
		}
		if strings.TrimSpace(t.RemoteURL) == "" {
			return fmt.Errorf("config.transport.remote_url is required unless discover is set")
		}
		u, err := url.Parse(t.RemoteURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("config.transport.remote_url must be a ws:// or wss:// URL")
		}
	case KindSim:
	case "":
		return fmt.Errorf("config.transport.kind is required")
	default:
		return fmt.Errorf("config.transport.kind %q is not one of pcsc, i2c, remote, sim", t.Kind)
	}
	if t.DiscoverTimeout < 0 {
		return fmt.Errorf("config.transport.discover_timeout must be >= 0")
	}
	return nil
}

func (c *Config) validateSession() error {
	s := &c.Session
	if s.SecurityLevel != nil {
		if *s.SecurityLevel < 0 || *s.SecurityLevel > 0xFF {
			return fmt.Errorf("config.session.security_level must be a byte")
		}
		if err := scp03.SecurityLevel(*s.SecurityLevel).Validate(); err != nil {
			return fmt.Errorf("config.session.security_level: %w", err)
		}
	}
	if s.TransportRetries != nil && (*s.TransportRetries < 0 || *s.TransportRetries > 3) {
		return fmt.Errorf("config.session.transport_retries must be in 0..3")
	}
	if s.ExchangeTimeout < 0 {
		return fmt.Errorf("config.session.exchange_timeout must be >= 0")
	}
	if s.MaxTimeouts != nil && *s.MaxTimeouts < 1 {
		return fmt.Errorf("config.session.max_timeouts must be >= 1")
	}
	return nil
}

// KeyVersion returns the configured key version or scp03.DefaultKeyVersion.
func (c *Config) KeyVersion() byte {
	if c.Keys.KeyVersion == nil {
		return scp03.DefaultKeyVersion
	}
	return byte(*c.Keys.KeyVersion)
}

// SecurityLevel returns the configured level or scp03.LevelFull.
func (c *Config) SecurityLevel() scp03.SecurityLevel {
	if c.Session.SecurityLevel == nil {
		return scp03.LevelFull
	}
	return scp03.SecurityLevel(*c.Session.SecurityLevel)
}

// AutoReauth defaults to true.
func (c *Config) AutoReauth() bool {
	return c.Session.AutoReauth == nil || *c.Session.AutoReauth
}

func (c *Config) TransportRetries() int {
	if c.Session.TransportRetries == nil {
		return DefaultRetries
	}
	return *c.Session.TransportRetries
}

func (c *Config) MaxTimeouts() int {
	if c.Session.MaxTimeouts == nil {
		return scp03.DefaultMaxTimeouts
	}
	return *c.Session.MaxTimeouts
}

func (c *Config) ReaderIndex() int {
	if c.Transport.ReaderIndex == nil {
		return 0
	}
	return *c.Transport.ReaderIndex
}

func (c *Config) I2CAddress() uint16 {
	if c.Transport.I2CAddress == nil {
		return DefaultI2CAddress
	}
	return uint16(*c.Transport.I2CAddress)
}

func (c *Config) DiscoverTimeout() time.Duration {
	if c.Transport.DiscoverTimeout == 0 {
		return DefaultDiscoverWindow
	}
	return c.Transport.DiscoverTimeout
}

// HasKeys reports whether all three key files are configured.
func (c *Config) HasKeys() bool {
	return c.Keys.ENCKeyFile != "" && c.Keys.MACKeyFile != "" && c.Keys.DEKKeyFile != ""
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Keys.ENCKeyFile = resolvePath(configDir, c.Keys.ENCKeyFile)
	c.Keys.MACKeyFile = resolvePath(configDir, c.Keys.MACKeyFile)
	c.Keys.DEKKeyFile = resolvePath(configDir, c.Keys.DEKKeyFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
