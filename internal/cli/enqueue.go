package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/putsql/internal/config"
	"github.com/roach88/putsql/internal/engine"
	"github.com/roach88/putsql/internal/journal"
	"github.com/roach88/putsql/internal/unit"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Journal string // journal path, overriding the configuration
}

// UnitsFile is the YAML document read by enqueue.
type UnitsFile struct {
	Units []UnitEntry `yaml:"units"`
}

// UnitEntry is one unit in a units file.
type UnitEntry struct {
	ID         string            `yaml:"id"`
	Attributes map[string]string `yaml:"attributes"`
	Content    string            `yaml:"content"`
}

// EnqueueResult reports how many units were added.
type EnqueueResult struct {
	Read     int `json:"read"`
	Enqueued int `json:"enqueued"`
	Pending  int `json:"pending"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <units-file>",
		Short: "Add units to the journal",
		Long: `Add the units in a YAML file to the journal inbox.

The file holds a "units" list; each unit has an optional id, attributes and
content. Units without an id get a UUIDv7. A unit whose id is already in the
inbox is skipped. Use "-" to read standard input.

Example units file:
  units:
    - id: order-1
      attributes:
        sql.args.1.type: "12"
        sql.args.1.value: ada
    - content: INSERT INTO audit (msg) VALUES ('hello')

Examples:
  putsql enqueue -c putsql.yaml units.yaml
  putsql enqueue --journal putsql.db - < units.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "journal path (skips loading the configuration)")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, path string, cmd *cobra.Command) error {
	units, err := readUnitsFile(path, cmd.InOrStdin(), nil)
	if err != nil {
		return failure(ErrCodeUnitsInvalid, "invalid units file", err)
	}

	j, err := openJournal(opts.RootOptions, opts.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := commandContext(cmd)
	added, err := j.Enqueue(ctx, units...)
	if err != nil {
		return commandError(ErrCodeJournal, "failed to enqueue units", err)
	}
	pending, err := j.Pending(ctx)
	if err != nil {
		return commandError(ErrCodeJournal, "failed to count pending units", err)
	}

	res := EnqueueResult{Read: len(units), Enqueued: added, Pending: pending}
	return newPrinter(opts.RootOptions, cmd).result(res, func(w io.Writer) error {
		fmt.Fprintf(w, "Enqueued %d of %d unit(s); %d pending\n", res.Enqueued, res.Read, res.Pending)
		if skipped := res.Read - res.Enqueued; skipped > 0 {
			fmt.Fprintf(w, "Skipped %d unit(s) already in the inbox\n", skipped)
		}
		return nil
	})
}

// readUnitsFile decodes a units file. Units without an id are assigned one
// from ids, or a UUIDv7 when ids is nil.
func readUnitsFile(path string, stdin io.Reader, ids engine.IDGenerator) ([]*unit.Unit, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read units: %w", err)
	}

	var file UnitsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse units: %w", err)
	}
	if len(file.Units) == 0 {
		return nil, fmt.Errorf("no units in %s", path)
	}

	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	seen := make(map[string]bool, len(file.Units))
	units := make([]*unit.Unit, 0, len(file.Units))
	for i, e := range file.Units {
		id := e.ID
		if id == "" {
			id = ids.Generate()
		}
		if seen[id] {
			return nil, fmt.Errorf("units[%d]: duplicate id %q", i, id)
		}
		seen[id] = true

		var content []byte
		if e.Content != "" {
			content = []byte(e.Content)
		}
		// A zero enqueue time is stamped by the journal.
		units = append(units, unit.New(id, e.Attributes, content, time.Time{}))
	}
	return units, nil
}

// openJournal opens the journal at override, or at the configured path when
// override is empty.
func openJournal(opts *RootOptions, override string) (*journal.Journal, error) {
	path := override
	var jopts []journal.Option
	if path == "" {
		cfg, err := loadConfig(opts.Config)
		if err != nil {
			return nil, err
		}
		path = cfg.Journal
		jopts = cfg.JournalOptions()
	}

	j, err := journal.Open(path, jopts...)
	if err != nil {
		return nil, commandError(ErrCodeJournal, "failed to open journal", err)
	}
	return j, nil
}

// loadConfig loads the configuration at path. A missing file is a command
// error; an invalid one is a failure.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, commandError(ErrCodeConfigNotFound, "configuration not found", err)
	}
	if err != nil {
		return nil, failure(ErrCodeConfigInvalid, "invalid configuration", err)
	}
	return cfg, nil
}

// commandContext returns the command's context, or a background context when
// the command was not started through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
