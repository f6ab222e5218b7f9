// pkg/voron/options.go
package voron

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"voron/pkg/journal"
)

// Options configures an environment.
type Options struct {
	// Path of the data file. The journal and the lock file live next to
	// it as <Path>.journal and <Path>.lock.
	Path string `yaml:"path"`

	// InMemory keeps every page in process memory; nothing is written to
	// disk and no journal is kept.
	InMemory bool `yaml:"in_memory"`

	// PageSize in bytes (default 4096). An existing data file keeps the
	// page size it was created with.
	PageSize int `yaml:"page_size"`

	// CacheSize is the number of committed pages kept decoded (default 4096).
	CacheSize int `yaml:"cache_size"`

	Journal JournalOptions `yaml:"journal"`

	// Logger receives structured logs. Nil disables logging.
	Logger *zap.Logger `yaml:"-"`
}

// JournalOptions configures the write-ahead journal.
type JournalOptions struct {
	Compression journal.Compression `yaml:"compression"`

	// SyncOnCommit fsyncs the journal before Commit returns.
	SyncOnCommit bool `yaml:"sync_on_commit"`

	// CheckpointFrames triggers a checkpoint once the journal holds that
	// many frames. Zero checkpoints only on Dispose.
	CheckpointFrames int `yaml:"checkpoint_frames"`
}

// DefaultOptions returns options for a durable environment at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:      path,
		PageSize:  4096,
		CacheSize: 4096,
		Journal: JournalOptions{
			Compression:      journal.CompressionSnappy,
			SyncOnCommit:     true,
			CheckpointFrames: 1024,
		},
	}
}

// InMemoryOptions returns options for a throwaway in-memory environment.
func InMemoryOptions() Options {
	return Options{
		InMemory:  true,
		PageSize:  4096,
		CacheSize: 4096,
	}
}

// LoadOptions reads options from a YAML file. Fields missing from the file
// keep their DefaultOptions value.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	opts := DefaultOptions("")
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.validate(); err != nil {
		return Options{}, fmt.Errorf("options %s: %w", path, err)
	}
	return opts, nil
}

func (o *Options) validate() error {
	if !o.InMemory && o.Path == "" {
		return fmt.Errorf("%w: durable environment needs a path", ErrUsage)
	}
	if o.Journal.CheckpointFrames < 0 {
		return fmt.Errorf("%w: negative checkpoint_frames", ErrUsage)
	}
	return nil
}
