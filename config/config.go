// Package config loads the bridge configuration with viper. A missing
// config file is not an error: everything has a usable default so the
// server and client run with zero setup.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"

	"github.com/atiploit/ghidra-bridge/logger"
)

// Config represents the full bridge configuration.
type Config struct {
	Server ServerConfig  `json:"server" mapstructure:"server"`
	Client ClientConfig  `json:"client" mapstructure:"client"`
	Etcd   EtcdConfig    `json:"etcd" mapstructure:"etcd"`
	Log    logger.Config `json:"log" mapstructure:"log"`
}

// ServerConfig configures the listening endpoint.
type ServerConfig struct {
	ListenAddr    string        `json:"listen_addr" mapstructure:"listen_addr"`
	AdvertiseAddr string        `json:"advertise_addr" mapstructure:"advertise_addr"`
	DispatchPool  int           `json:"dispatch_pool" mapstructure:"dispatch_pool"`
	CallTimeout   time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
}

// ClientConfig configures the dialing endpoint.
type ClientConfig struct {
	Addr        string        `json:"addr" mapstructure:"addr"`
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
	Heartbeat   time.Duration `json:"heartbeat" mapstructure:"heartbeat"`
}

// EtcdConfig configures optional server discovery.
type EtcdConfig struct {
	Endpoints []string `json:"endpoints" mapstructure:"endpoints"`
	TTL       int64    `json:"ttl" mapstructure:"ttl"`
}

// Load reads config.json from configPath, falling back to defaults for
// anything unset. configPath "" means current directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	if configPath == "" {
		configPath = "."
	}
	v.AddConfigPath(configPath)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// No file: defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":4768")
	v.SetDefault("server.advertise_addr", "127.0.0.1:4768")
	v.SetDefault("server.dispatch_pool", 128)
	v.SetDefault("server.call_timeout", 30*time.Second)

	v.SetDefault("client.addr", "127.0.0.1:4768")
	v.SetDefault("client.call_timeout", 30*time.Second)
	v.SetDefault("client.heartbeat", 30*time.Second)

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.ttl", 10)

	def := logger.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.format", def.Format)
	v.SetDefault("log.time_format", def.TimeFormat)
	v.SetDefault("log.output", def.Output)
}
