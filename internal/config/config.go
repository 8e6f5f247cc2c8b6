// Package config loads server configuration from an optional YAML file, the
// environment and command-line flags, in that order of precedence (flags win).
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the sync server configuration.
type Config struct {
	HTTPAddr     string        `yaml:"http_addr"`
	GRPCAddr     string        `yaml:"grpc_addr"` // optional health listener; empty disables it
	DSN          string        `yaml:"dsn"`
	JWTKey       string        `yaml:"jwt_key"`
	MasterKey    string        `yaml:"master_key"` // seals firm keys; empty disables firm keys
	AccessTTL    time.Duration `yaml:"access_ttl"`
	RefreshTTL   time.Duration `yaml:"refresh_ttl"`
	MaxBatch     int           `yaml:"max_batch"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TxRetries    uint64        `yaml:"tx_retries"`
	Migrate      bool          `yaml:"migrate"`
	Limiter      Limiter       `yaml:"limiter"`
}

// Limiter configures login rate limiting.
type Limiter struct {
	Window      time.Duration `yaml:"window"`
	MaxFailures int           `yaml:"max_failures"`
	Lock        time.Duration `yaml:"lock"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		AccessTTL:    time.Hour,
		RefreshTTL:   30 * 24 * time.Hour,
		MaxBatch:     1000,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		TxRetries:    5,
		Migrate:      true,
		Limiter: Limiter{
			Window:      15 * time.Minute,
			MaxFailures: 5,
			Lock:        15 * time.Minute,
		},
	}
}

// env variables consulted after the file and before flags.
var envKeys = map[string]func(*Config, string){
	"LEXSYNC_DSN":        func(c *Config, v string) { c.DSN = v },
	"LEXSYNC_JWT_KEY":    func(c *Config, v string) { c.JWTKey = v },
	"LEXSYNC_MASTER_KEY": func(c *Config, v string) { c.MasterKey = v },
}

func bind(fs *flag.FlagSet, c *Config, path *string) {
	fs.StringVar(path, "config", "", "path to YAML config file")
	fs.StringVar(&c.HTTPAddr, "addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.GRPCAddr, "grpc-addr", c.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "PostgreSQL DSN")
	fs.StringVar(&c.JWTKey, "jwt-key", c.JWTKey, "HS256 signing key (required)")
	fs.StringVar(&c.MasterKey, "master-key", c.MasterKey, "master secret for firm key wrapping")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "access token TTL")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "refresh token TTL")
	fs.IntVar(&c.MaxBatch, "max-batch", c.MaxBatch, "max changes per sync request")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "HTTP read timeout")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "HTTP write timeout")
	fs.Uint64Var(&c.TxRetries, "tx-retries", c.TxRetries, "max retries of a serialization-failed transaction")
	fs.BoolVar(&c.Migrate, "migrate", c.Migrate, "apply migrations on start")
}

// Load builds the configuration from args (without the program name).
func Load(args []string, stderr io.Writer) (Config, error) {
	var path string
	cfg := Default()
	fs := flag.NewFlagSet("lexsync-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bind(fs, &cfg, &path)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	base := Default()
	if path != "" {
		if err := decodeFile(path, &base); err != nil {
			return Config{}, err
		}
	}
	for k, set := range envKeys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			set(&base, v)
		}
	}

	// Re-apply only the flags given explicitly so they override file and env.
	var ignored string
	over := flag.NewFlagSet("overrides", flag.ContinueOnError)
	over.SetOutput(io.Discard)
	bind(over, &base, &ignored)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if err := over.Set(f.Name, f.Value.String()); err != nil && setErr == nil {
			setErr = err
		}
	})
	if setErr != nil {
		return Config{}, setErr
	}

	if err := base.Validate(); err != nil {
		return Config{}, err
	}
	return base, nil
}

func decodeFile(path string, c *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// Validate checks required keys and ranges.
func (c Config) Validate() error {
	var problems []error
	if c.JWTKey == "" {
		problems = append(problems, errors.New("missing jwt_key"))
	}
	if c.DSN == "" {
		problems = append(problems, errors.New("missing dsn"))
	}
	if c.HTTPAddr == "" {
		problems = append(problems, errors.New("missing http_addr"))
	}
	if c.MaxBatch <= 0 {
		problems = append(problems, fmt.Errorf("max_batch must be positive, got %d", c.MaxBatch))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		problems = append(problems, errors.New("token TTLs must be positive"))
	}
	return errors.Join(problems...)
}

// LoadStore reads the file and environment for tools that only need the
// database and the master key. Nothing is validated.
func LoadStore(path string) (Config, error) {
	c := Default()
	if path != "" {
		if err := decodeFile(path, &c); err != nil {
			return Config{}, err
		}
	}
	for k, set := range envKeys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			set(&c, v)
		}
	}
	return c, nil
}
