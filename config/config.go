// Package config loads cdcbridge's YAML configuration file, grounded on
// the corpus's general approach of keeping CLI configuration in a small
// yaml.v3-decoded struct rather than a flag-only surface.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Source describes where to read binlog events from: either a live server
// or a directory of dumped binlog files. Exactly one of DB or Dir should be
// set.
type Source struct {
	DB  *DBSource `yaml:"db,omitempty"`
	Dir string    `yaml:"dir,omitempty"`
}

// DBSource is a live replication connection.
type DBSource struct {
	Network  string `yaml:"network"` // "tcp" or "unix"
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ServerID uint32 `yaml:"server_id"`
	SSL      bool   `yaml:"ssl"`
}

// Start names the file and position to begin reading from.
type Start struct {
	File string `yaml:"file"`
	Pos  uint32 `yaml:"pos"`
}

// Target names the document-store database the pipeline writes into; the
// collection per table defaults to the table's own name.
type Target struct {
	Database string `yaml:"database"`
}

// Config is the top-level shape of a cdcbridge config file.
type Config struct {
	Source Source `yaml:"source"`
	Start  Start  `yaml:"start"`
	Target Target `yaml:"target"`

	// HeartbeatSeconds is loaded from the config file; no transport reads
	// it, so a live server is never asked for a heartbeat period.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Source.DB == nil && c.Source.Dir == "" {
		return errors.New("config: source.db or source.dir is required")
	}
	if c.Source.DB != nil && c.Source.Dir != "" {
		return errors.New("config: source.db and source.dir are mutually exclusive")
	}
	if c.Start.File == "" {
		return errors.New("config: start.file is required")
	}
	if c.Target.Database == "" {
		return errors.New("config: target.database is required")
	}
	return nil
}
