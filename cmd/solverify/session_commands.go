package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solverify/service/config"
	"github.com/brojonat/solverify/service/db"
	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/session"
	"github.com/brojonat/solverify/service/solana"
)

// localEnv is everything a local session command needs. Metrics are
// collected on a private registry and never exported.
type localEnv struct {
	cfg     *config.Config
	kv      db.KV
	scanner *solana.Scanner
	ledger  *ledger.Ledger
	params  *ledger.ParamsStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func openLocalEnv(ctx context.Context, c *cli.Context) (*localEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(c.String("log-level"))
	m := metrics.NewMetrics(prometheus.NewRegistry())

	kv, err := db.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	rpc, err := solana.NewClientFromURLs(cfg.SolanaRPCURL, m, logger)
	if err != nil {
		kv.Close()
		return nil, err
	}

	return &localEnv{
		cfg:     cfg,
		kv:      kv,
		scanner: solana.NewScanner(rpc, cfg.ScannerConfig(), m, logger),
		ledger:  ledger.New(kv, cfg.UnitPrice, logger, m),
		params:  ledger.NewParamsStore(kv, logger),
		metrics: m,
		logger:  logger,
	}, nil
}

func (e *localEnv) close() {
	if err := e.kv.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}
}

func (e *localEnv) newSession(presenter session.Presenter) *session.Session {
	return session.New(e.scanner, e.ledger, e.params, presenter, e.cfg.SessionConfig(), e.logger,
		session.WithMetrics(e.metrics))
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify a SOL transfer and record the purchase",
		Description: `Scan recent blocks for a transfer from SENDER to the receiver address.

If the payment is not found yet, the command keeps checking in the background
and shows a countdown. Parameters are saved, so an interrupted verification
can be picked up again with "solverify resume".

Example:
  solverify verify --amount 0.5 --sender 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Amount of SOL sent",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "sender",
				Aliases:  []string{"s"},
				Usage:    "Sender address",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "receiver",
				Usage: "Receiver address (defaults to RECEIVER_ADDRESS)",
			},
		},
		Action: func(c *cli.Context) error {
			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("%w: amount %q is not a number", payment.ErrInvalidInput, c.String("amount"))
			}

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			env, err := openLocalEnv(ctx, c)
			if err != nil {
				return err
			}
			defer env.close()

			receiver := c.String("receiver")
			if receiver == "" {
				receiver = env.cfg.ReceiverAddress
			}
			params := payment.VerificationParams{
				Amount:          payment.RoundSOL(amount),
				SenderAddress:   c.String("sender"),
				ReceiverAddress: receiver,
			}

			queue := newEventQueue()
			defer queue.close()
			sess := env.newSession(queue.presenter())
			defer sess.Cancel()

			pterm.Info.Printfln("Verifying %s SOL from %s to %s", pterm.LightCyan(params.Amount.String()), params.SenderAddress, params.ReceiverAddress)

			started := make(chan error, 1)
			go func() {
				_, err := sess.Start(ctx, params)
				started <- err
			}()

			return followSession(ctx, sess, queue, started, c.Bool("json"))
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "Resume a saved verification and keep checking until it succeeds",
		Action: func(c *cli.Context) error {
			ctx, cancel := signalContext(c.Context)
			defer cancel()

			env, err := openLocalEnv(ctx, c)
			if err != nil {
				return err
			}
			defer env.close()

			queue := newEventQueue()
			defer queue.close()
			sess := env.newSession(queue.presenter())
			defer sess.Cancel()

			started := make(chan error, 1)
			go func() {
				started <- sess.Resume(ctx)
			}()

			err = followSession(ctx, sess, queue, started, c.Bool("json"))
			if errors.Is(err, session.ErrNoParams) {
				return fmt.Errorf("nothing to resume: start a verification with \"solverify verify\"")
			}
			return err
		},
	}
}

func recheckCommand() *cli.Command {
	return &cli.Command{
		Name:  "recheck",
		Usage: "Check once for the saved verification's payment",
		Action: func(c *cli.Context) error {
			ctx := c.Context

			env, err := openLocalEnv(ctx, c)
			if err != nil {
				return err
			}
			defer env.close()

			// A single check: no countdown or background polling.
			sess := session.New(env.scanner, env.ledger, env.params, nil, session.Config{}, env.logger,
				session.WithMetrics(env.metrics))
			defer sess.Cancel()

			spinner, _ := pterm.DefaultSpinner.Start("Checking the ledger for your payment...")
			result, err := sess.Recheck(ctx)
			if err != nil {
				spinner.Fail(err.Error())
				if errors.Is(err, session.ErrNoParams) {
					return fmt.Errorf("nothing to recheck: start a verification with \"solverify verify\"")
				}
				return err
			}

			snap := sess.Snapshot()
			if c.Bool("json") {
				spinner.Stop()
				return printJSON(snap)
			}
			if snap.State == session.StateSuccess && snap.Record != nil {
				spinner.Success("Payment found")
				printRecord(*snap.Record)
				return nil
			}
			spinner.Warning(result.Message(*snap.Params))
			return nil
		},
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Forget the saved verification",
		Action: func(c *cli.Context) error {
			env, err := openLocalEnv(c.Context, c)
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.params.Clear(c.Context); err != nil {
				return fmt.Errorf("failed to clear saved verification: %w", err)
			}
			pterm.Success.Println("Saved verification cleared")
			return nil
		},
	}
}

// followSession renders session events until the payment is verified,
// automatic checks run out, or ctx is cancelled.
func followSession(ctx context.Context, sess *session.Session, queue *eventQueue, started <-chan error, jsonOutput bool) error {
	r := &eventRenderer{}
	defer r.close()

	for {
		select {
		case err := <-started:
			if err != nil {
				return err
			}
			started = nil
		case e := <-queue.events:
			if jsonOutput {
				if err := printJSON(e); err != nil {
					return err
				}
			} else {
				r.render(e)
			}
			switch e.Type {
			case session.EventSuccess:
				return nil
			case session.EventFailure:
				if pollingDone(sess.Snapshot()) {
					r.close()
					pterm.Info.Println("Details saved. Run \"solverify recheck\" or \"solverify resume\" once the transfer is confirmed.")
					return fmt.Errorf("payment not verified yet")
				}
			}
		case <-ctx.Done():
			r.close()
			pterm.Info.Println("Interrupted. Run \"solverify resume\" to continue later.")
			return nil
		}
	}
}

// pollingDone reports whether no automatic checks are left to run.
func pollingDone(snap session.Snapshot) bool {
	if snap.State == session.StateSuccess {
		return false
	}
	if snap.Poll == nil {
		return true
	}
	return !snap.Poll.Running || snap.Poll.AttemptsUsed >= snap.Poll.AttemptsMax
}
