package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "solverify",
		Usage: "Verify SOL payments and manage purchase records",
		Description: `A command-line tool for verifying SOL transfers on the Solana ledger.

Local commands (verify, resume, recheck, clear, unlock, records) use the same
environment configuration as the server and operate on the local store.
The remote and workflow commands talk to a running server or Temporal cluster.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Local verification session
			verifyCommand(),
			resumeCommand(),
			recheckCommand(),
			clearCommand(),
			unlockCommand(),
			// Purchase records
			{
				Name:  "records",
				Usage: "Purchase record commands",
				Subcommands: []*cli.Command{
					listRecordsCommand(),
				},
			},
			// HTTP API
			remoteCommands(),
			// Durable verifications
			{
				Name:  "workflow",
				Usage: "Durable verification workflow commands",
				Subcommands: []*cli.Command{
					startWorkflowCommand(),
					workflowProgressCommand(),
					recheckWorkflowCommand(),
					cancelWorkflowCommand(),
				},
			},
			// NATS purchase streaming commands
			{
				Name:  "nats",
				Usage: "NATS purchase streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Server URL for remote commands",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "solverify-verification",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
