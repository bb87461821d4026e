// Package config holds the immutable configuration shared by every
// builder: the dialect provider, the entity registry, the sharding rules
// and the compilation limits.
package config

import (
	"fmt"
	"log/slog"

	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/schema"
	"github.com/syssam/quarry/sharding"
)

// DefaultMaxTables is the default limit of table segments in one statement.
const DefaultMaxTables = 15

// Config is read-only after New returns and is safe for concurrent use.
type Config struct {
	provider      dialect.Provider
	registry      *schema.Registry
	sharding      *sharding.Registry
	aliasStart    byte
	maxTables     int
	parameterized bool
	maxParams     int
	logger        *slog.Logger
}

// Option configures a Config.
type Option func(*Config)

// WithSharding sets the sharding rules.
func WithSharding(r *sharding.Registry) Option {
	return func(c *Config) { c.sharding = r }
}

// WithAliasStart sets the first table alias letter. Default is 'a'.
func WithAliasStart(letter byte) Option {
	return func(c *Config) { c.aliasStart = letter }
}

// WithMaxTables sets the limit of table segments in one statement.
func WithMaxTables(n int) Option {
	return func(c *Config) { c.maxTables = n }
}

// WithParameterized selects bound parameters (true, the default) or
// inlined literals for constants.
func WithParameterized(enabled bool) Option {
	return func(c *Config) { c.parameterized = enabled }
}

// WithMaxParams lowers the bound parameter ceiling of one command text
// below the dialect limit.
func WithMaxParams(n int) Option {
	return func(c *Config) { c.maxParams = n }
}

// WithLogger sets the logger used for compiled statement tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.logger = l }
}

// New returns a configuration for the provider and registry.
func New(provider dialect.Provider, registry *schema.Registry, opts ...Option) (*Config, error) {
	if provider == nil {
		return nil, fmt.Errorf("config: provider is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("config: registry is required")
	}
	c := &Config{
		provider:      provider,
		registry:      registry,
		aliasStart:    'a',
		maxTables:     DefaultMaxTables,
		parameterized: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c.validate()
}

// MustNew is like New but panics on error.
func MustNew(provider dialect.Provider, registry *schema.Registry, opts ...Option) *Config {
	c, err := New(provider, registry, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// With returns a copy of c with opts applied. c itself is not modified.
func (c *Config) With(opts ...Option) (*Config, error) {
	cp := *c
	for _, opt := range opts {
		opt(&cp)
	}
	return cp.validate()
}

func (c *Config) validate() (*Config, error) {
	if c.aliasStart < 'a' || c.aliasStart > 'z' {
		return nil, fmt.Errorf("config: alias start %q is not a lowercase letter", c.aliasStart)
	}
	if c.maxTables <= 0 {
		return nil, fmt.Errorf("config: max tables must be positive, got %d", c.maxTables)
	}
	if limit := c.provider.MaxParams(); c.maxParams <= 0 || c.maxParams > limit {
		c.maxParams = limit
	}
	if c.sharding == nil {
		c.sharding, _ = sharding.NewRegistry()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Provider returns the dialect provider.
func (c *Config) Provider() dialect.Provider { return c.provider }

// Registry returns the entity registry.
func (c *Config) Registry() *schema.Registry { return c.registry }

// Sharding returns the sharding rules.
func (c *Config) Sharding() *sharding.Registry { return c.sharding }

// AliasStart returns the first table alias letter.
func (c *Config) AliasStart() byte { return c.aliasStart }

// MaxTables returns the table segment limit.
func (c *Config) MaxTables() int { return c.maxTables }

// Parameterized reports whether constants are bound as parameters.
func (c *Config) Parameterized() bool { return c.parameterized }

// MaxParams returns the bound parameter ceiling of one command text.
func (c *Config) MaxParams() int { return c.maxParams }

// Logger returns the logger.
func (c *Config) Logger() *slog.Logger { return c.logger }
