package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/syssam/quarry/dialect"
	"github.com/syssam/quarry/schema"
	"github.com/syssam/quarry/sharding"
)

// File is the YAML form of a configuration.
//
//	dialect: postgres
//	alias_start: a
//	max_tables: 15
//	parameterized: true
//	max_params: 1000
//	log_level: debug
//	shards:
//	  Order: [orders_0, orders_1]
type File struct {
	Dialect       string              `yaml:"dialect"`
	AliasStart    string              `yaml:"alias_start"`
	MaxTables     int                 `yaml:"max_tables"`
	Parameterized *bool               `yaml:"parameterized"`
	MaxParams     int                 `yaml:"max_params"`
	LogLevel      string              `yaml:"log_level"`
	Shards        map[string][]string `yaml:"shards"`
}

// Load reads a YAML configuration. Entity names under shards are Go type
// names registered in reg. opts are applied after the file settings.
func Load(r io.Reader, reg *schema.Registry, opts ...Option) (*Config, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return f.Build(reg, opts...)
}

// LoadFile reads a YAML configuration from path.
func LoadFile(path string, reg *schema.Registry, opts ...Option) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer fh.Close()
	return Load(fh, reg, opts...)
}

// Build turns the file settings into a Config.
func (f *File) Build(reg *schema.Registry, opts ...Option) (*Config, error) {
	name := f.Dialect
	if name == "" {
		name = dialect.Postgres
	}
	provider, err := dialect.ProviderFor(name)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var fileOpts []Option
	if f.AliasStart != "" {
		if len(f.AliasStart) != 1 {
			return nil, fmt.Errorf("config: alias_start must be one letter, got %q", f.AliasStart)
		}
		fileOpts = append(fileOpts, WithAliasStart(f.AliasStart[0]))
	}
	if f.MaxTables != 0 {
		fileOpts = append(fileOpts, WithMaxTables(f.MaxTables))
	}
	if f.Parameterized != nil {
		fileOpts = append(fileOpts, WithParameterized(*f.Parameterized))
	}
	if f.MaxParams != 0 {
		fileOpts = append(fileOpts, WithMaxParams(f.MaxParams))
	}
	if f.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(f.LogLevel)); err != nil {
			return nil, fmt.Errorf("config: log_level: %w", err)
		}
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		fileOpts = append(fileOpts, WithLogger(slog.New(h)))
	}
	if len(f.Shards) > 0 {
		rules := make([]*sharding.Rule, 0, len(f.Shards))
		for entity, tables := range f.Shards {
			e, err := reg.EntityByName(entity)
			if err != nil {
				return nil, fmt.Errorf("config: shards: %w", err)
			}
			rules = append(rules, sharding.For(e.Type).Tables(tables...))
		}
		sr, err := sharding.NewRegistry(rules...)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		fileOpts = append(fileOpts, WithSharding(sr))
	}
	return New(provider, reg, append(fileOpts, opts...)...)
}

// Watch loads the configuration at path and reloads it whenever the file
// changes, until ctx is done. Every reload builds a new Config and passes
// it, or the load error, to onChange. In-flight builders keep the Config
// they were created with.
func Watch(ctx context.Context, path string, reg *schema.Registry, onChange func(*Config, error), opts ...Option) (*Config, error) {
	cfg, err := LoadFile(path, reg, opts...)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	// Watch the directory: editors replace files by renaming over them.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	clean := filepath.Clean(path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != clean || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				onChange(LoadFile(path, reg, opts...))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				onChange(nil, fmt.Errorf("config: watch: %w", err))
			}
		}
	}()
	return cfg, nil
}

// String renders the settings for logging.
func (c *Config) String() string {
	return fmt.Sprintf("dialect=%s alias_start=%c max_tables=%d parameterized=%t max_params=%d",
		c.provider.Name(), c.aliasStart, c.maxTables, c.parameterized, c.maxParams)
}
