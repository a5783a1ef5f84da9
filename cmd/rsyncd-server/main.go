// Command rsyncd-server runs the delta-synchronization server: it loads
// configuration, opens the signature index, and listens for connections.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rsyncd/rsyncd/internal/cmdutil"
	"github.com/rsyncd/rsyncd/pkg/config"
	"github.com/rsyncd/rsyncd/pkg/index"
	"github.com/rsyncd/rsyncd/pkg/logging"
	"github.com/rsyncd/rsyncd/pkg/syncengine"
)

var rootConfiguration struct {
	configPath string
	port       int
	syncDir    string
	indexFile  string
	debug      bool
}

func rootMain(command *cobra.Command, arguments []string) error {
	cfg, err := config.Load(rootConfiguration.configPath)
	if err != nil {
		return err
	}

	// Flags override any value loaded from the configuration file.
	flags := command.Flags()
	if flags.Changed("port") {
		cfg.Port = rootConfiguration.port
	}
	if flags.Changed("sync-dir") {
		cfg.SyncDir = rootConfiguration.syncDir
	}
	if flags.Changed("index-file") {
		cfg.IndexFile = rootConfiguration.indexFile
	}

	logging.DebugEnabled = rootConfiguration.debug

	if err := os.MkdirAll(cfg.SyncDir, 0755); err != nil {
		return err
	}

	store, err := index.NewStore(cfg.IndexFile)
	if err != nil {
		return err
	}

	server := syncengine.NewServer(store, cfg.SyncDir, logging.RootLogger)

	return server.ListenAndServe(":" + strconv.Itoa(cfg.Port))
}

var rootCommand = &cobra.Command{
	Use:          "rsyncd-server",
	Short:        "Run the delta-synchronization server",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         rootMain,
}

func init() {
	flags := rootCommand.Flags()
	flags.StringVar(&rootConfiguration.configPath, "config", "", "path to a YAML configuration file")
	flags.IntVar(&rootConfiguration.port, "port", 0, fmt.Sprintf("listening port (default %d)", 9000))
	flags.StringVar(&rootConfiguration.syncDir, "sync-dir", "", "directory in which synchronized files are stored")
	flags.StringVar(&rootConfiguration.indexFile, "index-file", "", "path to the persisted signature index")
	flags.BoolVar(&rootConfiguration.debug, "debug", false, "enable verbose diagnostic logging")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		cmdutil.Fatal(err)
	}
}
