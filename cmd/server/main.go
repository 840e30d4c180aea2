/*
main.go - Application entry point

PURPOSE:
  The leadx command: runs the lead exchange API server and its
  operational subcommands. Configuration comes from LEADX_* environment
  variables (see config/config.go).

COMMANDS:
  leadx serve                          Start the HTTP server
  leadx migrate up|down [--max N]      Apply or roll back postgres migrations
  leadx user add --id --email --role   Create or update a marketplace user
  leadx token <user-id>                Mint a bearer token for a user
  leadx seed [scenario] [--list]       Load demo data (see scenarios/)

STARTUP SEQUENCE (serve):
  1. Load and validate configuration
  2. Open the store (sqlite, or postgres with connect retries + auto-migrate)
  3. Pick payment processor and webhook verifier from the Stripe settings
  4. Build handler and router
  5. Serve until SIGINT/SIGTERM, then drain for up to 30s

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
*/
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/lead-exchange/config"
)

// app is shared by all subcommands once the root pre-run has loaded config.
type app struct {
	cnf *config.Configuration
	log *logrus.Logger
}

func preRun(a *app) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cnf, err := config.Load()
		if err != nil {
			return err
		}
		a.cnf = cnf
		a.log = cnf.NewLogger()
		return nil
	}
}

func newCLI() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "leadx",
		Short:         "Lead exchange marketplace server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentPreRunE = preRun(a)

	root.AddCommand(serveCommand(a))
	root.AddCommand(migrateCommand(a))
	root.AddCommand(userCommand(a))
	root.AddCommand(tokenCommand(a))
	root.AddCommand(seedCommand(a))

	return root
}

func main() {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Error(rec)
			os.Exit(1)
		}
	}()

	if err := newCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
