// Package config loads the daemon configuration from a YAML file.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"github.com/fsnotify/fsnotify"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/maruel/datasync/internal/pathutil"
)

// Store scopes.
const (
	ScopeGlobal = "global"
	ScopeUser   = "user"
)

// User routes.
const (
	RouteNone     = "none"
	RouteJWT      = "jwt"
	RoutePassword = "password"
	RouteConnInfo = "conninfo"
)

// DefaultHTTP is the listen address used when none is configured.
const DefaultHTTP = "localhost:8080"

// Config is the daemon configuration.
type Config struct {
	HTTP      string    `yaml:"http,omitempty" json:"http,omitempty" jsonschema:"description=Address to listen on"`
	Stores    []Store   `yaml:"stores" json:"stores" jsonschema:"description=Stores served to clients"`
	Auth      Auth      `yaml:"auth,omitempty" json:"auth,omitzero" jsonschema:"description=Credentials checked by the jwt and password routes"`
	RateLimit RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit,omitzero" jsonschema:"description=Per connection limit on inbound updates"`
}

// Store describes one served store id.
type Store struct {
	ID          string         `yaml:"id" json:"id" jsonschema:"description=Store id requested by clients"`
	Scope       string         `yaml:"scope,omitempty" json:"scope,omitempty" jsonschema:"enum=global,enum=user,description=One shared store or one store per user"`
	ExceptUsers []string       `yaml:"except_users,omitempty" json:"except_users,omitempty" jsonschema:"description=Users of a global store that get their own store"`
	ReadOnly    []string       `yaml:"read_only,omitempty" json:"read_only,omitempty" jsonschema:"description=Paths clients cannot write"`
	Seed        map[string]any `yaml:"seed,omitempty" json:"seed,omitempty" jsonschema:"description=Initial value of new stores"`
	Route       string         `yaml:"route,omitempty" json:"route,omitempty" jsonschema:"enum=none,enum=jwt,enum=password,enum=conninfo,description=How the user of a connection is resolved"`
}

// Auth holds credentials.
type Auth struct {
	JWTSecret string            `yaml:"jwt_secret,omitempty" json:"jwt_secret,omitempty" jsonschema:"description=HS256 secret for the jwt route"`
	Users     map[string]string `yaml:"users,omitempty" json:"users,omitempty" jsonschema:"description=bcrypt password hashes by user id"`
}

// RateLimit configures the inbound update limiter. Zero disables it.
type RateLimit struct {
	UpdatesPerSecond int `yaml:"updates_per_second,omitempty" json:"updates_per_second,omitempty" jsonschema:"minimum=0"`
	Burst            int `yaml:"burst,omitempty" json:"burst,omitempty" jsonschema:"minimum=0"`
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is the -config flag
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.HTTP == "" {
		c.HTTP = DefaultHTTP
	}
	for i := range c.Stores {
		s := &c.Stores[i]
		if s.Scope == "" {
			s.Scope = ScopeGlobal
		}
		if s.Route == "" {
			s.Route = RouteNone
		}
		for j, p := range s.ReadOnly {
			s.ReadOnly[j] = pathutil.Format(p)
		}
	}
	if c.RateLimit.UpdatesPerSecond > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.UpdatesPerSecond
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i := range c.Stores {
		s := &c.Stores[i]
		if s.ID == "" {
			return fmt.Errorf("store %d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("store %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		switch s.Scope {
		case ScopeGlobal:
		case ScopeUser:
			if len(s.ExceptUsers) != 0 {
				return fmt.Errorf("store %q: except_users requires scope global", s.ID)
			}
		default:
			return fmt.Errorf("store %q: invalid scope %q", s.ID, s.Scope)
		}
		switch s.Route {
		case RouteNone, RouteConnInfo:
		case RouteJWT:
			if c.Auth.JWTSecret == "" {
				return fmt.Errorf("store %q: route jwt requires auth.jwt_secret", s.ID)
			}
		case RoutePassword:
			if len(c.Auth.Users) == 0 {
				return fmt.Errorf("store %q: route password requires auth.users", s.ID)
			}
		default:
			return fmt.Errorf("store %q: invalid route %q", s.ID, s.Route)
		}
		if s.Route != RouteNone && s.Scope == ScopeGlobal && len(s.ExceptUsers) == 0 {
			return fmt.Errorf("store %q: a global store only routes to except_users", s.ID)
		}
	}
	if c.RateLimit.UpdatesPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	return nil
}

// StoreByID returns the store with id, or nil.
func (c *Config) StoreByID(id string) *Store {
	i := slices.IndexFunc(c.Stores, func(s Store) bool { return s.ID == id })
	if i < 0 {
		return nil
	}
	return &c.Stores[i]
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(reflect.TypeFor[Config]())
	return json.MarshalIndent(schema, "", "  ")
}

// Watch calls fn with the new configuration each time the file at path
// changes and still parses. It returns once the watch is set up and stops
// when ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace the file, so watch its directory.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
					continue
				}
				c, err := Load(abs)
				if err != nil {
					slog.WarnContext(ctx, "Ignoring config change", "path", abs, "err", err)
					continue
				}
				slog.InfoContext(ctx, "Config reloaded", "path", abs)
				fn(c)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching config", "err", err)
			}
		}
	}()
	return nil
}
