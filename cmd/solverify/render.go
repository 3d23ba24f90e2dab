package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/session"
)

// newLogger returns a pterm-backed slog logger at the given level.
func newLogger(levelStr string) *slog.Logger {
	level := pterm.LogLevelWarn
	switch levelStr {
	case "debug":
		level = pterm.LogLevelDebug
	case "info":
		level = pterm.LogLevelInfo
	case "warn":
		level = pterm.LogLevelWarn
	case "error":
		level = pterm.LogLevelError
	}
	return slog.New(pterm.NewSlogHandler(pterm.DefaultLogger.WithLevel(level)))
}

// eventQueue adapts session callbacks into a channel drained by the command
// loop. Sends after close are dropped.
type eventQueue struct {
	events chan session.Event
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make(chan session.Event, 16),
		done:   make(chan struct{}),
	}
}

func (q *eventQueue) presenter() session.Presenter {
	return session.EventPresenter(q.send)
}

func (q *eventQueue) send(e session.Event) {
	select {
	case q.events <- e:
	case <-q.done:
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}

// eventRenderer draws session events on the terminal: a spinner while the
// ledger is scanned and a single updating countdown line while waiting.
type eventRenderer struct {
	spinner *pterm.SpinnerPrinter
	area    *pterm.AreaPrinter
}

func (r *eventRenderer) render(e session.Event) {
	switch e.Type {
	case session.EventChecking:
		r.stopArea()
		r.stopSpinner()
		r.spinner, _ = pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Checking the ledger for your payment...")
	case session.EventWaiting:
		r.stopSpinner()
		pterm.Info.Printfln("Waiting for your payment. Checks continue in the background.")
		r.updateArea(e.Remaining)
	case session.EventCountdown:
		r.updateArea(e.Remaining)
	case session.EventFailure:
		r.stopSpinner()
		r.stopArea()
		pterm.Warning.Println(e.Message)
	case session.EventSuccess:
		r.stopSpinner()
		r.stopArea()
		if e.Record != nil {
			printRecord(*e.Record)
		}
	}
}

func (r *eventRenderer) updateArea(remaining int) {
	if r.area == nil {
		r.area, _ = pterm.DefaultArea.Start()
	}
	if r.area != nil {
		r.area.Update(pterm.Sprintf("Time remaining: %s", pterm.LightCyan(formatRemaining(remaining))))
	}
}

func (r *eventRenderer) stopSpinner() {
	if r.spinner != nil {
		_ = r.spinner.Stop()
		r.spinner = nil
	}
}

func (r *eventRenderer) stopArea() {
	if r.area != nil {
		_ = r.area.Stop()
		r.area = nil
	}
}

func (r *eventRenderer) close() {
	r.stopSpinner()
	r.stopArea()
}

// formatRemaining renders seconds as m:ss.
func formatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func printRecord(rec ledger.SignedRecord) {
	txID := "-"
	if rec.TransactionID != nil {
		txID = *rec.TransactionID
	}
	body := pterm.Sprintfln("Record:      %s", rec.ID) +
		pterm.Sprintfln("Address:     %s", rec.TargetAddress) +
		pterm.Sprintfln("Amount:      %s SOL", rec.SolAmount.String()) +
		pterm.Sprintfln("Units:       %s", pterm.LightGreen(rec.UnitAmount)) +
		pterm.Sprintfln("Price:       %s SOL/unit", rec.PriceAtPurchase.String()) +
		pterm.Sprintfln("Transaction: %s", txID) +
		pterm.Sprintf("Created:     %s", rec.CreatedAt.Format(time.RFC3339))
	pterm.DefaultBox.WithTitle("Payment verified").Println(body)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
