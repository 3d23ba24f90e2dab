package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solverify/service/session"
)

type unlockOutcome struct {
	txID    string
	message string
}

func unlockCommand() *cli.Command {
	return &cli.Command{
		Name:  "unlock",
		Usage: "Wait for the unlock fee from a payer",
		Description: `Poll the ledger for a transfer of UNLOCK_FEE SOL from PAYER to the
receiver address. No purchase record is written.

Example:
  solverify unlock --payer 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "payer",
				Aliases:  []string{"p"},
				Usage:    "Address expected to pay the fee",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := signalContext(c.Context)
			defer cancel()

			env, err := openLocalEnv(ctx, c)
			if err != nil {
				return err
			}
			defer env.close()

			cfg := env.cfg.UnlockConfig()
			pterm.Info.Printfln("Send %s SOL from %s to %s",
				pterm.LightCyan(cfg.Fee.String()), c.String("payer"), env.cfg.ReceiverAddress)

			spinner, _ := pterm.DefaultSpinner.Start("Waiting for the unlock payment...")
			outcome := make(chan unlockOutcome, 1)
			unlocker := session.NewUnlocker(env.scanner, env.cfg.ReceiverAddress, cfg, session.UnlockCallbacks{
				OnUnlockAttempt: func(attempt, maxAttempts int) {
					spinner.UpdateText(fmt.Sprintf("Waiting for the unlock payment... (check %d/%d)", attempt, maxAttempts))
				},
				OnUnlocked: func(txID string) {
					outcome <- unlockOutcome{txID: txID}
				},
				OnUnlockFailed: func(message string) {
					outcome <- unlockOutcome{message: message}
				},
			}, env.metrics, env.logger)
			defer unlocker.Stop()

			if err := unlocker.Start(ctx, c.String("payer")); err != nil {
				spinner.Fail(err.Error())
				return err
			}

			select {
			case o := <-outcome:
				if o.txID == "" {
					spinner.Fail(o.message)
					return fmt.Errorf("unlock payment not found")
				}
				spinner.Success(fmt.Sprintf("Unlocked by transaction %s", o.txID))
				return nil
			case <-ctx.Done():
				_ = spinner.Stop()
				pterm.Info.Println("Interrupted.")
				return nil
			}
		},
	}
}
