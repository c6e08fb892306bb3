// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure for the bridge.
type Config struct {
	TCPPort           int           `mapstructure:"tcp_port"`
	MaxClients        int           `mapstructure:"max_clients"`
	ClientIdleTimeout time.Duration `mapstructure:"client_idle_timeout"`
	DongleSerial      string        `mapstructure:"dongle_serial"`

	ResponseTimeout  time.Duration `mapstructure:"response_timeout"`
	InterFrameGap    time.Duration `mapstructure:"inter_frame_gap"`
	ProbeBackoffBase time.Duration `mapstructure:"probe_backoff_base"`
	ProbeBackoffMax  time.Duration `mapstructure:"probe_backoff_max"`

	CacheMaxEntries int           `mapstructure:"cache_max_entries"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheSnapshot   SnapshotConfig `mapstructure:"cache_snapshot"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	Serial SerialConfig `mapstructure:"serial"`
	Log    LogConfig    `mapstructure:"log"`
}

// SnapshotConfig controls the optional mmap-backed mirror of the fallback
// cache.
type SnapshotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// SerialConfig defines the physical UART this bridge speaks to the
// inverter over.
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// LoadConfig loads configuration from file. An explicit path is used
// verbatim; otherwise viper searches its usual locations. A missing config
// file is not an error — the bridge runs on defaults alone — but a config
// file that exists and fails to parse is.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/openlux-bridge/")
		v.AddConfigPath("$HOME/.openlux-bridge")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fixupSerial(&cfg.Serial)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tcp_port", 8000)
	v.SetDefault("max_clients", 5)
	v.SetDefault("client_idle_timeout", 5*time.Minute)

	v.SetDefault("response_timeout", time.Second)
	v.SetDefault("inter_frame_gap", 50*time.Millisecond)
	v.SetDefault("probe_backoff_base", 5*time.Second)
	v.SetDefault("probe_backoff_max", 5*time.Minute)

	v.SetDefault("cache_max_entries", 10)
	v.SetDefault("cache_ttl", 10*time.Minute)

	v.SetDefault("request_timeout", 2*time.Second)

	v.SetDefault("log.level", "info")
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		// Bounds each grid-x/serial Read call, so it must stay within
		// spec.md's "reads are non-blocking with a short deadline (<=15ms
		// per poll)" — the arbiter's inter-frame-gap and response-timeout
		// checks only re-evaluate once per Read return.
		s.Timeout = 10 * time.Millisecond
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Parity == "" {
		s.Parity = "N"
	}
}
