package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solverify/client"
	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/session"
)

func remoteCommands() *cli.Command {
	return &cli.Command{
		Name:  "remote",
		Usage: "HTTP client commands for a running solverify server",
		Subcommands: []*cli.Command{
			remoteStartCommand(),
			remoteStatusCommand(),
			remoteRecheckCommand(),
			remoteResumeCommand(),
			remoteCancelCommand(),
			remoteWatchCommand(),
			remotePurchasesCommand(),
			remoteInvoiceCommand(),
		},
	}
}

func newAPIClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: 2 * time.Minute}, newLogger(c.String("log-level")))
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not a number", payment.ErrInvalidInput, raw)
	}
	return amount, nil
}

func remoteStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a verification on the server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount of SOL sent", Required: true},
			&cli.StringFlag{Name: "sender", Aliases: []string{"s"}, Usage: "Sender address", Required: true},
			&cli.StringFlag{Name: "receiver", Usage: "Receiver address (defaults to the server's)"},
		},
		Action: func(c *cli.Context) error {
			amount, err := parseAmount(c.String("amount"))
			if err != nil {
				return err
			}
			v, err := newAPIClient(c).StartVerification(c.Context, amount, c.String("sender"), c.String("receiver"))
			if err != nil {
				return fmt.Errorf("failed to start verification: %w", err)
			}
			return printVerification(c, v)
		},
	}
}

func remoteStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the server's verification state",
		Action: func(c *cli.Context) error {
			v, err := newAPIClient(c).Status(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get verification: %w", err)
			}
			return printVerification(c, v)
		},
	}
}

func remoteRecheckCommand() *cli.Command {
	return &cli.Command{
		Name:  "recheck",
		Usage: "Ask the server to check for the payment now",
		Action: func(c *cli.Context) error {
			v, err := newAPIClient(c).Recheck(c.Context)
			if err != nil {
				return fmt.Errorf("failed to recheck verification: %w", err)
			}
			return printVerification(c, v)
		},
	}
}

func remoteResumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "Resume the server's saved verification",
		Action: func(c *cli.Context) error {
			v, err := newAPIClient(c).Resume(c.Context)
			if err != nil {
				return fmt.Errorf("failed to resume verification: %w", err)
			}
			return printVerification(c, v)
		},
	}
}

func remoteCancelCommand() *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "Stop the server's verification",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "clear", Usage: "Also forget the saved parameters"},
		},
		Action: func(c *cli.Context) error {
			v, err := newAPIClient(c).Cancel(c.Context, c.Bool("clear"))
			if err != nil {
				return fmt.Errorf("failed to cancel verification: %w", err)
			}
			return printVerification(c, v)
		},
	}
}

func remoteWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow the server's verification events",
		Description: `Streams session events over SSE until the payment is verified or
Ctrl-C is pressed.`,
		Action: func(c *cli.Context) error {
			ctx, cancel := signalContext(c.Context)
			defer cancel()

			jsonOutput := c.Bool("json")
			r := &eventRenderer{}
			defer r.close()

			errVerified := errors.New("verified")
			err := newAPIClient(c).StreamEvents(ctx, func(event string, data []byte) error {
				if jsonOutput {
					fmt.Printf("{\"event\":%q,\"data\":%s}\n", event, data)
				}

				if event == "snapshot" {
					var snap session.Snapshot
					if err := json.Unmarshal(data, &snap); err != nil {
						return fmt.Errorf("failed to decode snapshot: %w", err)
					}
					if !jsonOutput {
						printSnapshot(snap)
					}
					if snap.State == session.StateSuccess {
						return errVerified
					}
					return nil
				}

				var e session.Event
				if err := json.Unmarshal(data, &e); err != nil {
					return fmt.Errorf("failed to decode %s event: %w", event, err)
				}
				if !jsonOutput {
					r.render(e)
				}
				if e.Type == session.EventSuccess {
					return errVerified
				}
				return nil
			})
			if errors.Is(err, errVerified) || ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func remotePurchasesCommand() *cli.Command {
	return &cli.Command{
		Name:  "purchases",
		Usage: "List valid purchase records on the server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "Only records for this address"},
		},
		Action: func(c *cli.Context) error {
			p, err := newAPIClient(c).Purchases(c.Context, c.String("address"))
			if err != nil {
				return fmt.Errorf("failed to list purchases: %w", err)
			}
			if c.Bool("json") {
				return printJSON(p)
			}
			return printRecordTable(p.Records)
		},
	}
}

func remoteInvoiceCommand() *cli.Command {
	return &cli.Command{
		Name:  "invoice",
		Usage: "Create Solana Pay payment instructions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount of SOL to request", Required: true},
			&cli.StringFlag{Name: "label", Usage: "Label shown by the wallet"},
			&cli.StringFlag{Name: "message", Usage: "Message shown by the wallet"},
		},
		Action: func(c *cli.Context) error {
			amount, err := parseAmount(c.String("amount"))
			if err != nil {
				return err
			}
			inv, err := newAPIClient(c).CreateInvoice(c.Context, amount, c.String("label"), c.String("message"))
			if err != nil {
				return fmt.Errorf("failed to create invoice: %w", err)
			}
			if c.Bool("json") {
				return printJSON(inv)
			}
			pterm.DefaultBox.WithTitle("Invoice " + inv.ID).Println(
				pterm.Sprintfln("Pay to:   %s", inv.PayToAddress) +
					pterm.Sprintfln("Amount:   %s SOL (%d units)", inv.Amount.String(), inv.UnitAmount) +
					pterm.Sprintfln("Memo:     %s", inv.Memo) +
					pterm.Sprintf("URL:      %s", pterm.LightCyan(inv.PaymentURL)))
			return nil
		},
	}
}

func printVerification(c *cli.Context, v *client.Verification) error {
	if c.Bool("json") {
		return printJSON(v)
	}
	if v.Message != "" {
		pterm.Warning.Println(v.Message)
	}
	printSnapshot(v.Snapshot)
	return nil
}

func printSnapshot(snap session.Snapshot) {
	if snap.State == session.StateSuccess && snap.Record != nil {
		printRecord(*snap.Record)
		return
	}
	pterm.Info.Printfln("State: %s", pterm.LightCyan(string(snap.State)))
	if snap.Params != nil {
		pterm.Info.Printfln("Expecting %s SOL from %s to %s",
			snap.Params.Amount.String(), snap.Params.SenderAddress, snap.Params.ReceiverAddress)
	}
	if snap.State == session.StateWaiting {
		pterm.Info.Printfln("Time remaining: %s", formatRemaining(snap.Remaining))
	}
	if snap.Poll != nil {
		pterm.Info.Printfln("Automatic checks: %d/%d", snap.Poll.AttemptsUsed, snap.Poll.AttemptsMax)
	}
}
