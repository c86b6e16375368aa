package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/energizer-project/blockbridge/internal/cli"
	"github.com/energizer-project/blockbridge/internal/config"
)

type apiFlags struct {
	addr  string
	token string
}

func (f *apiFlags) register(cmd *cobra.Command) {
	defaultAddr := fmt.Sprintf("127.0.0.1:%d", config.DefaultAPIPort)
	cmd.Flags().StringVarP(&f.addr, "api", "a", defaultAddr, "Admin API address of the running relay")
	cmd.Flags().StringVarP(&f.token, "token", "t", os.Getenv("BLOCKBRIDGE_API_TOKEN"), "Admin API bearer token")
}

func (f *apiFlags) client() *cli.Client {
	return cli.NewClient(f.addr, f.token)
}

func sessionsCmd() *cobra.Command {
	var (
		flags apiFlags
		kill  string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions of a running relay",
		Long: `List live sessions through the admin API of a running relay.

Examples:
  blockbridge sessions
  blockbridge sessions --api 10.0.0.5:8087 --token secret
  blockbridge sessions --close 3f2a9c1e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			c := flags.client()
			if kill != "" {
				if err := c.CloseSession(ctx, kill); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s closed\n", kill)
				return nil
			}

			sessions, err := c.Sessions(ctx)
			if err != nil {
				return err
			}
			cli.PrintSessions(cmd.OutOrStdout(), sessions, time.Now())
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&kill, "close", "", "Close the session with this id instead of listing")

	return cmd
}

func loginsCmd() *cobra.Command {
	var (
		flags apiFlags
		limit int
	)

	cmd := &cobra.Command{
		Use:   "logins",
		Short: "Show recent logins recorded by a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			logins, err := flags.client().Logins(ctx, limit)
			if err != nil {
				return err
			}
			cli.PrintLogins(cmd.OutOrStdout(), logins)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of logins to show")

	return cmd
}
