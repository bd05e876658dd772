// Package config holds the process-wide settings shared by every
// subcommand: listening port and preferred IP version, overridable by
// environment variables via go-envconfig.
package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// IPVersion selects which address family whoami/jackin/jackwait prefer.
type IPVersion string

const (
	IPv4 IPVersion = "v4"
	IPv6 IPVersion = "v6"
)

// Config is the set of flags every subcommand shares, with environment
// overrides applied on top of whatever cobra parsed from the command line.
type Config struct {
	Port int       `env:"MASP_PORT,overwrite"`
	IPV  IPVersion `env:"MASP_IPV,overwrite"`
}

// Default returns the documented defaults before flags or env overrides
// are applied.
func Default() Config {
	return Config{Port: 55000, IPV: IPv4}
}

// Load applies environment variable overrides on top of cfg, returning the
// effective config a subcommand should use.
func Load(ctx context.Context, cfg Config) (Config, error) {
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
