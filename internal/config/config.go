// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Network() NetworkConfig
	Pipeline() PipelineConfig
	Viewport() ViewportConfig

	// Pipeline Setters
	SetPipelineSelector(string)
	SetPipelineNativeEnabled(bool)
	SetPipelineObserverEnabled(bool)
	SetPipelineMobileFirst(bool)

	// Viewport Setters
	SetViewportWidth(float64)
	SetViewportHeight(float64)
	SetViewportPixelRatio(float64)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	NetworkCfg  NetworkConfig  `mapstructure:"network" yaml:"network"`
	PipelineCfg PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	ViewportCfg ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Network() NetworkConfig   { return c.NetworkCfg }
func (c *Config) Pipeline() PipelineConfig { return c.PipelineCfg }
func (c *Config) Viewport() ViewportConfig { return c.ViewportCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetPipelineSelector(s string)      { c.PipelineCfg.Selector = s }
func (c *Config) SetPipelineNativeEnabled(b bool)   { c.PipelineCfg.NativeEnabled = b }
func (c *Config) SetPipelineObserverEnabled(b bool) { c.PipelineCfg.ObserverEnabled = b }
func (c *Config) SetPipelineMobileFirst(b bool)     { c.PipelineCfg.MobileFirst = b }

func (c *Config) SetViewportWidth(w float64)      { c.ViewportCfg.Width = w }
func (c *Config) SetViewportHeight(h float64)     { c.ViewportCfg.Height = h }
func (c *Config) SetViewportPixelRatio(r float64) { c.ViewportCfg.PixelRatio = r }

// LoggerConfig configures the zap logger and its file rotation.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// NetworkConfig holds the settings for the media probe HTTP client.
type NetworkConfig struct {
	RequestTimeout        time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout" yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout" yaml:"response_header_timeout"`
	MaxIdleConns          int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `mapstructure:"max_conns_per_host" yaml:"max_conns_per_host"`
	IgnoreTLSErrors       bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2            bool          `mapstructure:"force_http2" yaml:"force_http2"`
	ProbeRateLimit        float64       `mapstructure:"probe_rate_limit" yaml:"probe_rate_limit"`
	ProbeConcurrency      int           `mapstructure:"probe_concurrency" yaml:"probe_concurrency"`
}

// PipelineConfig holds the lazy-load activation settings. It mirrors the flat
// options record the observer engine and orchestrator consume.
type PipelineConfig struct {
	Selector           string        `mapstructure:"selector" yaml:"selector"`
	ContainerSelector  string        `mapstructure:"container_selector" yaml:"container_selector"`
	SuccessClass       string        `mapstructure:"success_class" yaml:"success_class"`
	ErrorClass         string        `mapstructure:"error_class" yaml:"error_class"`
	LoadedClass        string        `mapstructure:"loaded_class" yaml:"loaded_class"`
	LoadingClass       string        `mapstructure:"loading_class" yaml:"loading_class"`
	BackgroundClass    string        `mapstructure:"background_class" yaml:"background_class"`
	RootMargin         string        `mapstructure:"root_margin" yaml:"root_margin"`
	Thresholds         []float64     `mapstructure:"thresholds" yaml:"thresholds"`
	MobileFirst        bool          `mapstructure:"mobile_first" yaml:"mobile_first"`
	DisconnectWhenDone bool          `mapstructure:"disconnect_when_done" yaml:"disconnect_when_done"`
	NativeEnabled      bool          `mapstructure:"native_enabled" yaml:"native_enabled"`
	ObserverEnabled    bool          `mapstructure:"observer_enabled" yaml:"observer_enabled"`
	UniformRatio       bool          `mapstructure:"uniform_ratio" yaml:"uniform_ratio"`
	RevalidateBudget   int           `mapstructure:"revalidate_budget" yaml:"revalidate_budget"`
	ResizeThrottle     time.Duration `mapstructure:"resize_throttle" yaml:"resize_throttle"`
}

// ViewportConfig models the synthetic viewport the watcher evaluates against.
type ViewportConfig struct {
	Width      float64 `mapstructure:"width" yaml:"width"`
	Height     float64 `mapstructure:"height" yaml:"height"`
	PixelRatio float64 `mapstructure:"pixel_ratio" yaml:"pixel_ratio"`
	ScrollStep float64 `mapstructure:"scroll_step" yaml:"scroll_step"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "blazekit")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Network --
	v.SetDefault("network.request_timeout", "30s")
	v.SetDefault("network.dial_timeout", "5s")
	v.SetDefault("network.tls_handshake_timeout", "5s")
	v.SetDefault("network.response_header_timeout", "10s")
	v.SetDefault("network.max_idle_conns", 100)
	v.SetDefault("network.max_idle_conns_per_host", 20)
	v.SetDefault("network.max_conns_per_host", 50)
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)
	v.SetDefault("network.probe_rate_limit", 20.0)
	v.SetDefault("network.probe_concurrency", 8)

	// -- Pipeline --
	v.SetDefault("pipeline.selector", ".b-lazy")
	v.SetDefault("pipeline.container_selector", "[data-blazekit]")
	v.SetDefault("pipeline.success_class", "b-loaded")
	v.SetDefault("pipeline.error_class", "b-error")
	v.SetDefault("pipeline.loaded_class", "b-loaded")
	v.SetDefault("pipeline.loading_class", "b-loading")
	v.SetDefault("pipeline.background_class", "b-bg")
	v.SetDefault("pipeline.root_margin", "0px")
	v.SetDefault("pipeline.thresholds", []float64{0})
	v.SetDefault("pipeline.mobile_first", false)
	v.SetDefault("pipeline.disconnect_when_done", true)
	v.SetDefault("pipeline.native_enabled", true)
	v.SetDefault("pipeline.observer_enabled", true)
	v.SetDefault("pipeline.uniform_ratio", false)
	v.SetDefault("pipeline.revalidate_budget", 10)
	v.SetDefault("pipeline.resize_throttle", "200ms")

	// -- Viewport --
	v.SetDefault("viewport.width", 1280.0)
	v.SetDefault("viewport.height", 800.0)
	v.SetDefault("viewport.pixel_ratio", 1.0)
	v.SetDefault("viewport.scroll_step", 800.0)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// The log file may be specified relative to the user's home directory.
	if cfg.LoggerCfg.LogFile != "" && strings.HasPrefix(cfg.LoggerCfg.LogFile, "~") {
		expanded, err := homedir.Expand(cfg.LoggerCfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to expand log file path: %w", err)
		}
		cfg.LoggerCfg.LogFile = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.PipelineCfg.Selector == "" {
		return fmt.Errorf("pipeline.selector is a required configuration field")
	}
	if c.NetworkCfg.ProbeConcurrency <= 0 {
		return fmt.Errorf("network.probe_concurrency must be a positive integer")
	}
	if c.NetworkCfg.ProbeRateLimit <= 0 {
		return fmt.Errorf("network.probe_rate_limit must be positive")
	}
	for _, th := range c.PipelineCfg.Thresholds {
		if th < 0 || th > 1 {
			return fmt.Errorf("pipeline.thresholds values must be within [0, 1], got %v", th)
		}
	}
	if c.ViewportCfg.Width <= 0 || c.ViewportCfg.Height <= 0 {
		return fmt.Errorf("viewport.width and viewport.height must be positive")
	}
	if c.ViewportCfg.PixelRatio <= 0 {
		return fmt.Errorf("viewport.pixel_ratio must be positive")
	}
	return nil
}
