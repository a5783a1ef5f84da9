// Command rsyncd-client drives the client half of the delta-synchronization
// protocol: a "sync" subcommand to upload a file and a "get" subcommand to
// retrieve one.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsyncd/rsyncd/internal/cmdutil"
	"github.com/rsyncd/rsyncd/pkg/logging"
	"github.com/rsyncd/rsyncd/pkg/syncengine"
	"github.com/rsyncd/rsyncd/pkg/wire"
)

var clientConfiguration struct {
	address string
	debug   bool
}

func syncMain(command *cobra.Command, arguments []string) error {
	logging.DebugEnabled = clientConfiguration.debug

	client := syncengine.NewClient(clientConfiguration.address, logging.RootLogger)
	result, err := client.Sync(arguments[0])
	if err != nil {
		return err
	}

	fmt.Printf("requested blocks: %d\n", result.RequestedBlocks)
	fmt.Printf("server response: %s\n", result.Acknowledgement)
	return nil
}

var syncCommand = &cobra.Command{
	Use:   "sync <path>",
	Short: "Synchronize a local file with the server",
	Args:  cobra.ExactArgs(1),
	RunE:  syncMain,
}

func getMain(command *cobra.Command, arguments []string) error {
	logging.DebugEnabled = clientConfiguration.debug

	name := arguments[0]
	dest := name
	if len(arguments) == 2 {
		dest = arguments[1]
	}

	client := syncengine.NewClient(clientConfiguration.address, logging.RootLogger)
	n, err := client.Download(name, dest)
	if err != nil {
		return err
	}

	fmt.Printf("downloaded %d bytes to %s\n", n, dest)
	return nil
}

var getCommand = &cobra.Command{
	Use:   "get <name> [destination]",
	Short: "Download a file from the server",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  getMain,
}

var rootCommand = &cobra.Command{
	Use:          "rsyncd-client",
	Short:        "Synchronize files with a rsyncd-server instance",
	SilenceUsage: true,
}

func init() {
	flags := rootCommand.PersistentFlags()
	flags.StringVar(&clientConfiguration.address, "address", fmt.Sprintf("localhost:%d", wire.TCPPort), "server address")
	flags.BoolVar(&clientConfiguration.debug, "debug", false, "enable verbose diagnostic logging")

	rootCommand.AddCommand(syncCommand)
	rootCommand.AddCommand(getCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		cmdutil.Fatal(err)
	}
}
