package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/solverify/service/db"
	"github.com/brojonat/solverify/service/payment"
)

// ParamsKey is the store key holding the in-flight verification parameters.
const ParamsKey = "verificationParams"

// ParamsStore persists the parameters of an unfinished verification so it can
// be resumed after a restart.
type ParamsStore struct {
	kv     db.KV
	logger *slog.Logger
}

// NewParamsStore creates a ParamsStore on kv.
func NewParamsStore(kv db.KV, logger *slog.Logger) *ParamsStore {
	return &ParamsStore{kv: kv, logger: logger}
}

// Load returns the saved parameters. ok is false when nothing usable is
// stored; a corrupt entry counts as absent.
func (p *ParamsStore) Load(ctx context.Context) (params payment.VerificationParams, ok bool, err error) {
	raw, err := p.kv.Get(ctx, ParamsKey)
	if errors.Is(err, db.ErrNotFound) {
		return payment.VerificationParams{}, false, nil
	}
	if err != nil {
		return payment.VerificationParams{}, false, fmt.Errorf("failed to load verification params: %w", err)
	}

	if err := json.Unmarshal(raw, &params); err != nil {
		p.logger.WarnContext(ctx, "ignoring corrupt verification params", "error", err)
		return payment.VerificationParams{}, false, nil
	}
	if err := params.Validate(); err != nil {
		p.logger.WarnContext(ctx, "ignoring invalid verification params", "error", err)
		return payment.VerificationParams{}, false, nil
	}
	return params, true, nil
}

// Save overwrites the saved parameters.
func (p *ParamsStore) Save(ctx context.Context, params payment.VerificationParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal verification params: %w", err)
	}
	if err := p.kv.Put(ctx, ParamsKey, data); err != nil {
		return fmt.Errorf("failed to save verification params: %w", err)
	}
	return nil
}

// Clear removes the saved parameters.
func (p *ParamsStore) Clear(ctx context.Context) error {
	if err := p.kv.Delete(ctx, ParamsKey); err != nil {
		return fmt.Errorf("failed to clear verification params: %w", err)
	}
	return nil
}
