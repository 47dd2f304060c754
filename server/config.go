package server

import "time"

const (
	defaultAddress      = "0.0.0.0:8080"
	defaultStageTimeout = 30 * time.Second
)

// Config represents configuration structure for the listener and the
// per-session stage budgets.
type Config struct {
	// Address is the TCP address to bind. Default: "0.0.0.0:8080".
	Address string `envconfig:"optional"`
	// ReadTimeout bounds reading one request from an accepted
	// connection. Default: 30 seconds.
	ReadTimeout time.Duration `envconfig:"optional"`
	// HandleTimeout bounds handling as a whole, including waiting for a
	// pooled connection and running the query. Default: 30 seconds.
	HandleTimeout time.Duration `envconfig:"optional"`
	// WriteTimeout bounds writing the response back. Default: 30
	// seconds.
	WriteTimeout time.Duration `envconfig:"optional"`
	// GracePeriod selects the shutdown policy. Zero cancels in-flight
	// sessions immediately; a positive value drains them for that long
	// and force-cancels the stragglers. Default: 0 (abrupt).
	GracePeriod time.Duration `envconfig:"optional"`
}

// SetDefault checks config. If required field is empty - it will be
// filled with some default value.
// Returns a copy of config.
func (c *Config) SetDefault() *Config {
	cfgCopy := *c

	if cfgCopy.Address == "" {
		cfgCopy.Address = defaultAddress
	}
	if cfgCopy.ReadTimeout <= 0 {
		cfgCopy.ReadTimeout = defaultStageTimeout
	}
	if cfgCopy.HandleTimeout <= 0 {
		cfgCopy.HandleTimeout = defaultStageTimeout
	}
	if cfgCopy.WriteTimeout <= 0 {
		cfgCopy.WriteTimeout = defaultStageTimeout
	}

	return &cfgCopy
}
