package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/temporal"
)

func newTemporalClient(c *cli.Context) (*temporal.Client, error) {
	tc, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		nil,
		newLogger(c.String("log-level")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}
	return tc, nil
}

func startWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a durable verification workflow",
		Description: `Starts VerifyPaymentWorkflow on the worker task queue. The workflow ID is
derived from the sender and receiver, so starting the same pair twice fails
while the first run is still going.

Example:
  solverify workflow start --amount 0.5 --sender 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin --wait`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount of SOL sent", Required: true},
			&cli.StringFlag{Name: "sender", Aliases: []string{"s"}, Usage: "Sender address", Required: true},
			&cli.StringFlag{
				Name:     "receiver",
				Usage:    "Receiver address",
				EnvVars:  []string{"RECEIVER_ADDRESS"},
				Required: true,
			},
			&cli.DurationFlag{Name: "poll-interval", Usage: "Wait between scans", Value: 10 * time.Second},
			&cli.IntFlag{Name: "max-attempts", Usage: "Scans before giving up", Value: 30},
			&cli.BoolFlag{Name: "wait", Aliases: []string{"w"}, Usage: "Block until the workflow completes"},
		},
		Action: func(c *cli.Context) error {
			amount, err := parseAmount(c.String("amount"))
			if err != nil {
				return err
			}
			input := temporal.VerifyPaymentInput{
				Params: payment.VerificationParams{
					Amount:          payment.RoundSOL(amount),
					SenderAddress:   c.String("sender"),
					ReceiverAddress: c.String("receiver"),
				},
				PollInterval: c.Duration("poll-interval"),
				MaxAttempts:  c.Int("max-attempts"),
			}

			tc, err := newTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if !c.Bool("wait") {
				id, err := tc.StartVerification(c.Context, input)
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return printJSON(map[string]string{"workflow_id": id})
				}
				pterm.Success.Printfln("Started workflow %s", pterm.LightCyan(id))
				return nil
			}

			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Waiting for workflow %s...", temporal.WorkflowID(input.Params)))
			result, err := tc.Verify(c.Context, input)
			if err != nil {
				spinner.Fail(err.Error())
				return err
			}
			if c.Bool("json") {
				_ = spinner.Stop()
				return printJSON(result)
			}
			if result.Record != nil {
				spinner.Success(fmt.Sprintf("Verified after %d scans", result.Attempts))
				printRecord(*result.Record)
				return nil
			}
			spinner.Warning(result.Message)
			return fmt.Errorf("workflow finished with status %s", result.Status)
		},
	}
}

func workflowProgressCommand() *cli.Command {
	return &cli.Command{
		Name:      "progress",
		Usage:     "Show the progress of a verification workflow",
		ArgsUsage: "WORKFLOW_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("workflow ID is required")
			}
			tc, err := newTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			progress, err := tc.QueryProgress(c.Context, c.Args().Get(0))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(progress)
			}
			pterm.Info.Printfln("Status:   %s", pterm.LightCyan(progress.Status))
			pterm.Info.Printfln("Attempts: %d/%d", progress.Attempts, progress.MaxAttempts)
			if progress.LastResult != nil {
				pterm.Info.Printfln("Last:     %s %s", progress.LastResult.Kind, progress.LastResult.Reason)
			}
			return nil
		},
	}
}

func recheckWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "recheck",
		Usage:     "Signal a waiting workflow to scan now",
		ArgsUsage: "WORKFLOW_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("workflow ID is required")
			}
			tc, err := newTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.Recheck(c.Context, c.Args().Get(0)); err != nil {
				return err
			}
			pterm.Success.Println("Recheck requested")
			return nil
		},
	}
}

func cancelWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a verification workflow",
		ArgsUsage: "WORKFLOW_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("workflow ID is required")
			}
			tc, err := newTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.CancelVerification(c.Context, c.Args().Get(0)); err != nil {
				return err
			}
			pterm.Success.Println("Workflow cancelled")
			return nil
		},
	}
}
