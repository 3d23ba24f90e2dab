package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	natspkg "github.com/brojonat/solverify/service/nats"
)

// subscribeCommand subscribes to purchase events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to purchase events",
		ArgsUsage: "[address]",
		Description: `Subscribe to purchase events published to NATS JetStream.

Events are published to the subject purchases.{address}. Without an address
every purchase is shown.

Example:
  solverify nats subscribe 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "solverify-cli",
			},
			&cli.BoolFlag{
				Name:  "new-only",
				Usage: "Skip purchases already in the stream",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("at most one address may be given")
			}
			address := c.Args().Get(0)
			natsURL := c.String("nats-url")
			jsonOutput := c.Bool("json")

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			nc, js, err := natspkg.Connect(natsURL, "solverify-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			subject := natspkg.Subject(address)
			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("new-only") {
				consumerConfig.DeliverPolicy = jetstream.DeliverNewPolicy
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			if !jsonOutput {
				pterm.Info.Printfln("Subscribing to %s on %s", pterm.LightCyan(subject), natsURL)
				pterm.Info.Println("Waiting for purchases... (Ctrl-C to exit)")
			}

			msgChan := make(chan jetstream.Msg, 10)
			consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			defer consumeCtx.Stop()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					var event natspkg.PurchaseEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
						_ = msg.Ack()
						continue
					}
					count++

					if jsonOutput {
						data, _ := json.Marshal(event)
						fmt.Println(string(data))
					} else {
						printPurchaseEvent(count, &event)
					}
					_ = msg.Ack()

				case <-ctx.Done():
					if !jsonOutput {
						pterm.Success.Printfln("Received %d purchases", count)
					}
					return nil
				}
			}
		},
	}
}

func printPurchaseEvent(n int, event *natspkg.PurchaseEvent) {
	txID := "-"
	if event.TransactionID != nil {
		txID = *event.TransactionID
	}
	pterm.DefaultBox.WithTitle(fmt.Sprintf("Purchase #%d", n)).Println(
		pterm.Sprintfln("Record:      %s", event.RecordID) +
			pterm.Sprintfln("Address:     %s", event.TargetAddress) +
			pterm.Sprintfln("Amount:      %s SOL", event.SolAmount.String()) +
			pterm.Sprintfln("Units:       %d", event.UnitAmount) +
			pterm.Sprintfln("Transaction: %s", txID) +
			pterm.Sprintf("Published:   %s", event.PublishedAt.Format(time.RFC3339)))
}
