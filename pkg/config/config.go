// Package config loads server configuration from an optional YAML file,
// layered under command-line flag overrides, using yaml-tagged structs.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/rsyncd/rsyncd/pkg/wire"
)

// ServerConfig holds the server's tunable parameters. Its defaults
// reproduce the protocol's fixed constants exactly, so an unconfigured
// server behaves identically to a constant-based deployment.
type ServerConfig struct {
	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`
	// SyncDir is the directory in which synchronized files are stored.
	SyncDir string `yaml:"syncDir"`
	// IndexFile is the path to the persisted signature index.
	IndexFile string `yaml:"indexFile"`
}

// Default returns a ServerConfig populated with the protocol's default
// constants.
func Default() ServerConfig {
	return ServerConfig{
		Port:      wire.TCPPort,
		SyncDir:   wire.SyncDir,
		IndexFile: wire.IndexFile,
	}
}

// Load reads a YAML configuration file and overlays it onto Default(). A
// missing path is not an error; it simply yields the defaults, mirroring
// the optionality of the --config flag on cmd/rsyncd-server.
func Load(path string) (ServerConfig, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return ServerConfig{}, errors.Wrap(err, "unable to read configuration file")
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return ServerConfig{}, errors.Wrap(err, "unable to parse configuration file")
	}

	return config, nil
}
