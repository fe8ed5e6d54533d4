// Package config loads the YAML configuration that describes one or more
// oplog fetchers to run, and watches the file for changes.
package config

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"os"
)

type (
	// FetcherConfig describes a single remote sync source to tail.
	FetcherConfig struct {
		SourceURI      string // mongodb:// URI of the sync source
		OplogNS        string // namespace of the oplog collection, e.g. "local.oplog.rs"
		DestinationURI string // mongodb:// URI the apply pipeline buffers into
		DestinationNS  string // namespace of the local buffer collection
		Term           int64  // current replica-set term attached to find commands
		BatchSize      int32

		InitialFindTimeoutMS int64 // timeout for the cold-start find
		RetriedFindTimeoutMS int64 // timeout for a find issued after a restart
		AwaitDataTimeoutMS   int64 // server-side awaitData timeout per getMore

		MaxRestarts              int
		RequiredRBID             int32
		RequireFresherSyncSource bool
		// StartingPoint is "skip" (SkipFirstDoc) or "enqueue" (EnqueueFirstDoc).
		StartingPoint string
	}
	Config struct {
		Fetchers []*FetcherConfig
	}
)

// ReadConfig loads and parses a YAML config file.
func ReadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "was not able to read config file %s", configFile)
	}
	var result Config
	if err := yaml.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrapf(err, "error parsing yaml config %s", configFile)
	}
	return &result, nil
}
