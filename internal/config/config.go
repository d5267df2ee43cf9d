// Package config loads putsql configuration.
//
// A configuration is assembled in three layers: built-in defaults, an
// optional YAML file, and PUTSQL_* environment variables. The file and the
// effective result are both checked against an embedded CUE schema, so
// unknown keys and out-of-range values are reported with their paths.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/putsql/internal/engine"
	"github.com/roach88/putsql/internal/journal"
	"github.com/roach88/putsql/internal/param"
	"github.com/roach88/putsql/internal/store"
)

//go:embed schema.cue
var schemaCUE string

// Defaults.
const (
	DefaultJournal    = "putsql.db"
	DefaultWorkers    = 1
	DefaultRetryDelay = journal.DefaultRetryDelay
)

// StoreConfig selects the target database.
type StoreConfig struct {
	Driver               string `yaml:"driver" env:"PUTSQL_STORE_DRIVER"`
	DSN                  string `yaml:"dsn" env:"PUTSQL_STORE_DSN"`
	ContinueBatchOnError bool   `yaml:"continue_batch_on_error" env:"PUTSQL_STORE_CONTINUE_BATCH_ON_ERROR"`
}

// Config is the effective putsql configuration.
type Config struct {
	Store StoreConfig `yaml:"store"`

	Statement              string        `yaml:"statement" env:"PUTSQL_STATEMENT"`
	BatchSize              int           `yaml:"batch_size" env:"PUTSQL_BATCH_SIZE"`
	FragmentedTransactions bool          `yaml:"fragmented_transactions" env:"PUTSQL_FRAGMENTED_TRANSACTIONS"`
	TransactionTimeout     time.Duration `yaml:"transaction_timeout" env:"PUTSQL_TRANSACTION_TIMEOUT"`
	ObtainGeneratedKeys    bool          `yaml:"obtain_generated_keys" env:"PUTSQL_OBTAIN_GENERATED_KEYS"`
	RollbackOnFailure      bool          `yaml:"rollback_on_failure" env:"PUTSQL_ROLLBACK_ON_FAILURE"`
	Penalty                time.Duration `yaml:"penalty" env:"PUTSQL_PENALTY"`
	RetryDelay             time.Duration `yaml:"retry_delay" env:"PUTSQL_RETRY_DELAY"`
	// TimeZone interprets date/time parameters without an offset. Empty
	// means the process's local zone.
	TimeZone string `yaml:"time_zone" env:"PUTSQL_TIME_ZONE"`

	Workers         int           `yaml:"workers" env:"PUTSQL_WORKERS"`
	CyclesPerSecond float64       `yaml:"cycles_per_second" env:"PUTSQL_CYCLES_PER_SECOND"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"PUTSQL_POLL_INTERVAL"`

	Journal     string `yaml:"journal" env:"PUTSQL_JOURNAL"`
	MetricsAddr string `yaml:"metrics_addr" env:"PUTSQL_METRICS_ADDR"`
}

// Default returns the built-in configuration. Store.DSN has no default.
func Default() Config {
	return Config{
		Store:                  StoreConfig{Driver: store.DriverSQLite},
		BatchSize:              engine.DefaultBatchSize,
		FragmentedTransactions: true,
		Penalty:                engine.DefaultPenalty,
		RetryDelay:             DefaultRetryDelay,
		Workers:                DefaultWorkers,
		PollInterval:           engine.DefaultPollInterval,
		Journal:                DefaultJournal,
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = b
	}

	cfg, err := Parse(data)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, err
	}
	return cfg, nil
}

// Parse builds a configuration from YAML data, defaults and the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if len(data) > 0 {
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if raw != nil {
			if err := validateSchema(raw); err != nil {
				return nil, err
			}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the effective configuration against the schema.
func (c *Config) Validate() error {
	if err := validateSchema(c.view()); err != nil {
		return err
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("invalid config: store.dsn is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: time_zone: %w", err)
	}
	return nil
}

// view renders the configuration with the file's key names and duration
// strings, for schema validation.
func (c *Config) view() map[string]any {
	return map[string]any{
		"store": map[string]any{
			"driver":                  c.Store.Driver,
			"dsn":                     c.Store.DSN,
			"continue_batch_on_error": c.Store.ContinueBatchOnError,
		},
		"statement":               c.Statement,
		"batch_size":              c.BatchSize,
		"fragmented_transactions": c.FragmentedTransactions,
		"transaction_timeout":     c.TransactionTimeout.String(),
		"obtain_generated_keys":   c.ObtainGeneratedKeys,
		"rollback_on_failure":     c.RollbackOnFailure,
		"penalty":                 c.Penalty.String(),
		"retry_delay":             c.RetryDelay.String(),
		"time_zone":               c.TimeZone,
		"workers":                 c.Workers,
		"cycles_per_second":       c.CyclesPerSecond,
		"poll_interval":           c.PollInterval.String(),
		"journal":                 c.Journal,
		"metrics_addr":            c.MetricsAddr,
	}
}

// validateSchema unifies v with #Config and requires a concrete, valid result.
func validateSchema(v map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	val := def.Unify(ctx.Encode(v))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config:\n%s", cueerrors.Details(err, nil))
	}
	return nil
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.TimeZone)
}

// StoreOptions returns the target store options.
func (c *Config) StoreOptions() []store.Option {
	return []store.Option{store.WithContinueOnError(c.Store.ContinueBatchOnError)}
}

// JournalOptions returns the journal options.
func (c *Config) JournalOptions() []journal.Option {
	return []journal.Option{journal.WithRetryDelay(c.RetryDelay)}
}

// EngineOptions returns the engine options the configuration selects.
func (c *Config) EngineOptions() []engine.EngineOption {
	loc, err := c.Location()
	if err != nil {
		loc = time.Local
	}
	return []engine.EngineOption{
		engine.WithStatement(c.Statement),
		engine.WithBatchSize(c.BatchSize),
		engine.WithFragmentedTransactions(c.FragmentedTransactions),
		engine.WithTransactionTimeout(c.TransactionTimeout),
		engine.WithObtainGeneratedKeys(c.ObtainGeneratedKeys),
		engine.WithRollbackOnFailure(c.RollbackOnFailure),
		engine.WithPenalty(c.Penalty),
		engine.WithPollInterval(c.PollInterval),
		engine.WithEncoder(param.NewEncoder(loc)),
	}
}
