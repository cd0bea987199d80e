package ledgerstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/skillsync/internal/progress"
)

const localLedgerKey = "local"

// Router addresses ledgers by scope. The local scope holds the single
// signed-out ledger of this installation; cloud ledgers are keyed by user id.
type Router struct {
	Local Backend
	Cloud Backend
}

func NewRouter(local, cloud Backend) *Router {
	return &Router{Local: local, Cloud: cloud}
}

func (r *Router) LoadLedger(ctx context.Context, scope progress.Scope, userID string) (*progress.Ledger, error) {
	backend, key, err := r.resolve(scope, userID)
	if err != nil {
		return nil, err
	}
	ledger, err := backend.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s ledger: %w", scope, err)
	}
	if ledger == nil {
		ledger = progress.NewLedger("")
		if scope == progress.ScopeCloud {
			ledger.UserID = strings.TrimSpace(userID)
		}
	}
	return ledger, nil
}

func (r *Router) SaveLedger(ctx context.Context, scope progress.Scope, ledger *progress.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("%w: ledger is required", progress.ErrInvalidInput)
	}
	backend, key, err := r.resolve(scope, ledger.UserID)
	if err != nil {
		return err
	}
	if err := backend.Save(ctx, key, ledger); err != nil {
		return fmt.Errorf("save %s ledger: %w", scope, err)
	}
	return nil
}

func (r *Router) resolve(scope progress.Scope, userID string) (Backend, string, error) {
	if r == nil {
		return nil, "", progress.ErrInvalidInput
	}
	switch scope {
	case progress.ScopeLocal:
		if r.Local == nil {
			return nil, "", fmt.Errorf("%w: no local ledger backend", progress.ErrNotImplemented)
		}
		return r.Local, localLedgerKey, nil
	case progress.ScopeCloud:
		if r.Cloud == nil {
			return nil, "", fmt.Errorf("%w: no cloud ledger backend", progress.ErrNotImplemented)
		}
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return nil, "", fmt.Errorf("%w: cloud ledger needs a user id", progress.ErrInvalidInput)
		}
		return r.Cloud, "user:" + userID, nil
	default:
		return nil, "", fmt.Errorf("%w: unknown scope %q", progress.ErrInvalidInput, scope)
	}
}
