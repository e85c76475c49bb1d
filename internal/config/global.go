package config

import "sync/atomic"

var cfg atomic.Value

// Init populates the global config with defaults. Must be called once
// before any Load/Update, typically at process start.
func Init() error {
	dcfg, err := defaultConfig()
	if err != nil {
		return err
	}
	c := dcfg
	cfg.Store(&c)
	return nil
}

// Load returns the current config. Treat the result as read-only.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies mut to a copy of the current config and swaps it in
// atomically, returning the new value.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}
