package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solverify/service/db"
	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/payment"
)

func listRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List valid purchase records from the local store",
		Description: `Records that fail their checksum or whose unit amount does not match
their price are skipped, exactly as the verifier does.

Examples:
  solverify records list --address 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin
  solverify records list --must-jq '.unit_amount >= 1000' --must-jq '.transaction_id != null'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store-backend",
				Usage:   "Store backend (memory, leveldb, postgres)",
				EnvVars: []string{"STORE_BACKEND"},
				Value:   db.BackendLevelDB,
			},
			&cli.StringFlag{
				Name:    "store-path",
				Usage:   "LevelDB directory",
				EnvVars: []string{"STORE_PATH"},
				Value:   "./data/solverify",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL (postgres backend)",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "unit-price",
				Usage:   "SOL per unit",
				EnvVars: []string{"UNIT_PRICE"},
				Value:   payment.DefaultUnitPrice.String(),
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "Only records for this address",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
		},
		Action: func(c *cli.Context) error {
			price, err := decimal.NewFromString(c.String("unit-price"))
			if err != nil {
				return fmt.Errorf("invalid unit price %q: %w", c.String("unit-price"), err)
			}

			filters, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			kv, err := db.Open(c.Context, db.Options{
				Backend:     c.String("store-backend"),
				Path:        c.String("store-path"),
				DatabaseURL: c.String("database-url"),
			})
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer kv.Close()

			logger := newLogger(c.String("log-level"))
			records, err := ledger.New(kv, price, logger, nil).LoadValid(c.Context)
			if err != nil {
				return fmt.Errorf("failed to load records: %w", err)
			}

			records, err = filterRecords(records, c.String("address"), filters)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return printJSON(records)
			}
			return printRecordTable(records)
		},
	}
}

// compileJQFilters parses and compiles every expression.
func compileJQFilters(exprs []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(exprs))
	for i, filter := range exprs {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// filterRecords keeps records for address (any address when empty) for
// which every jq filter yields a truthy first result.
func filterRecords(records []ledger.SignedRecord, address string, filters []*gojq.Code) ([]ledger.SignedRecord, error) {
	kept := make([]ledger.SignedRecord, 0, len(records))
	for _, rec := range records {
		if address != "" && rec.TargetAddress != address {
			continue
		}
		ok, err := matchesAll(rec, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, rec)
		}
	}
	return kept, nil
}

func matchesAll(rec ledger.SignedRecord, filters []*gojq.Code) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	// gojq only understands plain JSON values.
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to decode record %s: %w", rec.ID, err)
	}

	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if _, isErr := v.(error); isErr {
			return false, nil
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func printRecordTable(records []ledger.SignedRecord) error {
	if len(records) == 0 {
		pterm.Info.Println("No purchase records")
		return nil
	}

	data := pterm.TableData{{"ID", "ADDRESS", "SOL", "UNITS", "TRANSACTION", "CREATED"}}
	var totalUnits int64
	totalSOL := decimal.Zero
	for _, rec := range records {
		txID := "-"
		if rec.TransactionID != nil {
			txID = *rec.TransactionID
		}
		data = append(data, []string{
			rec.ID,
			rec.TargetAddress,
			rec.SolAmount.String(),
			fmt.Sprintf("%d", rec.UnitAmount),
			txID,
			rec.CreatedAt.Format(time.RFC3339),
		})
		totalUnits += rec.UnitAmount
		totalSOL = totalSOL.Add(rec.SolAmount)
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	pterm.Info.Printfln("%d records, %d units, %s SOL", len(records), totalUnits, totalSOL.String())
	return nil
}
