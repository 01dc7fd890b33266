package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefix of environment overrides, SECTORFS_DRIVER_SECTOR_SIZE etc.
	EnvPrefix = "sectorfs"
	// DefaultPoolID pool identifier used when none is given
	DefaultPoolID = "default"
	// DefaultSectorSize size of a single sector in bytes
	DefaultSectorSize = 4096
	// DefaultEngageTimeout time budget for a single connection lease
	DefaultEngageTimeout = 5 * time.Second
	// DefaultShutdownTimeout force exit timeout
	DefaultShutdownTimeout = 30 * time.Second
)

var ErrConfig = errors.New("invalid configuration")

type Config struct {
	// Pools connection parameters, one entry per pool identifier
	Pools []PoolConfig
	// Driver sector driver settings
	Driver DriverConfig
	//DebugMode run in debug mode
	DebugMode bool
	//ShutdownTimeout timeout for shutdown
	ShutdownTimeout time.Duration
	//MetricsAddress listen address of prometheus endpoint, empty disables it
	MetricsAddress string
}

type PoolConfig struct {
	// ID pool identifier
	ID string `mapstructure:"id"`
	// Driver name of the dialer opening physical connections
	Driver string `mapstructure:"driver"`
	// URL datastore location
	URL string `mapstructure:"url"`
	// User datastore user
	User string `mapstructure:"user"`
	// Password datastore password
	Password string `mapstructure:"password"`
	// MaxConnections upper bound of checked out connections
	MaxConnections int `mapstructure:"max_connections"`
	// WaitInterval pause between acquisition attempts
	WaitInterval time.Duration `mapstructure:"wait_interval"`
}

type DriverConfig struct {
	// Pool identifier of the pool holding the sector table
	Pool string
	// AvailableBytes fixed capacity reported to the session layer
	AvailableBytes int64
	// SectorSize size of a sector in bytes
	SectorSize int
	// EngageTimeout time budget for leasing a connection
	EngageTimeout time.Duration
}

// Load reads configuration from path (if not empty) and SECTORFS_* environment variables
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("driver.pool", DefaultPoolID)
	v.SetDefault("driver.sector_size", DefaultSectorSize)
	v.SetDefault("driver.engage_timeout", DefaultEngageTimeout)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config: %v", ErrConfig, err)
		}
	}

	cfg := &Config{
		DebugMode:       v.GetBool("debug"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		MetricsAddress:  v.GetString("metrics_address"),
	}
	if err := v.UnmarshalKey("pools", &cfg.Pools); err != nil {
		return nil, fmt.Errorf("%w: pools: %v", ErrConfig, err)
	}
	for i := range cfg.Pools {
		if cfg.Pools[i].ID == "" {
			cfg.Pools[i].ID = DefaultPoolID
		}
	}
	if !v.IsSet("driver.available_bytes") {
		return nil, fmt.Errorf("%w: driver.available_bytes is not set", ErrConfig)
	}
	available, err := cast.ToInt64E(v.Get("driver.available_bytes"))
	if err != nil {
		return nil, fmt.Errorf("%w: driver.available_bytes: %v", ErrConfig, err)
	}
	sectorSize, err := cast.ToIntE(v.Get("driver.sector_size"))
	if err != nil {
		return nil, fmt.Errorf("%w: driver.sector_size: %v", ErrConfig, err)
	}
	cfg.Driver = DriverConfig{
		Pool:           v.GetString("driver.pool"),
		AvailableBytes: available,
		SectorSize:     sectorSize,
		EngageTimeout:  v.GetDuration("driver.engage_timeout"),
	}
	return cfg, cfg.Validate()
}

// Validate checks that the driver is configured and its pool has connection parameters
func (c *Config) Validate() error {
	if err := c.Driver.Validate(); err != nil {
		return err
	}
	if _, ok := c.Pool(c.Driver.Pool); !ok {
		return fmt.Errorf("%w: no connection parameters for pool %q", ErrConfig, c.Driver.Pool)
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if seen[p.ID] {
			return fmt.Errorf("%w: pool %q defined twice", ErrConfig, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Validate checks capacity and sector size
func (d DriverConfig) Validate() error {
	if d.AvailableBytes <= 0 {
		return fmt.Errorf("%w: available bytes must be positive, got %d", ErrConfig, d.AvailableBytes)
	}
	if d.SectorSize <= 0 {
		return fmt.Errorf("%w: sector size must be positive, got %d", ErrConfig, d.SectorSize)
	}
	return nil
}

// Pool returns connection parameters of pool id, empty id means DefaultPoolID
func (c *Config) Pool(id string) (PoolConfig, bool) {
	if id == "" {
		id = DefaultPoolID
	}
	for _, p := range c.Pools {
		if p.ID == id {
			return p, true
		}
	}
	return PoolConfig{}, false
}
