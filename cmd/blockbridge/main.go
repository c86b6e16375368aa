// blockbridge is a lazy-connecting TCP relay for block-game clients.
//
// It accepts client connections, opens the upstream game-server connection
// on the first framed packet, forwards traffic both ways and watches the
// handshake and login packets as they pass. A small admin API, MQTT
// telemetry, Prometheus metrics and a login audit store hang off the relay's
// event bus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const AppName = "blockbridge"

// Version information set at build time.
var (
	version = "1.0.0"
	commit  = "none"
)

const banner = `
  _     _            _    _          _     _
 | |__ | | ___   ___| | _| |__  _ __(_) __| | __ _  ___
 | '_ \| |/ _ \ / __| |/ / '_ \| '__| |/ _' |/ _' |/ _ \
 | |_) | | (_) | (__|   <| |_) | |  | | (_| | (_| |  __/
 |_.__/|_|\___/ \___|_|\_\_.__/|_|  |_|\__,_|\__, |\___|
                                             |___/  v%s
`

func main() {
	serve := serveCmd()

	rootCmd := &cobra.Command{
		Use:   AppName,
		Short: "Lazy-connecting relay for block-game servers",
		Long: `blockbridge sits in front of a game server and relays client traffic.

The upstream connection is opened when the client sends its first packet,
so port scans and idle probes never reach the server. Running without a
subcommand is the same as "blockbridge serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(
		serve,
		sessionsCmd(),
		loginsCmd(),
		skinCmd(),
		pingCmd(),
		initCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Printf(banner, version)
	fmt.Println()
}
