package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/repo"
)

// ErrNoProtocol means no active protocol applies to an alert. Callers treat
// it as "no execution created", not as a fault.
var ErrNoProtocol = errors.New("no matching protocol")

// Catalog is the registry of protocol templates, backed by SQLite so the set
// survives restarts even though executions do not.
type Catalog struct {
	Repo repo.Repo
}

// Select finds the best-fit active protocol for an alert. Matching order is
// fixed: exact match on type and priority first, then any active protocol for
// the type alone. A critical alert with only a generic protocol for its type
// still gets that protocol rather than none.
func (c Catalog) Select(ctx context.Context, alertType, alertPriority string) (domain.Protocol, error) {
	candidates, err := c.Repo.ListActiveProtocolsByType(ctx, alertType)
	if err != nil {
		return domain.Protocol{}, err
	}
	for _, p := range candidates {
		if p.AlertPriority == alertPriority {
			return p, nil
		}
	}
	if len(candidates) > 0 {
		return candidates[0], nil
	}
	return domain.Protocol{}, fmt.Errorf("%w for alert type %s", ErrNoProtocol, alertType)
}

// Get returns a protocol template by id.
func (c Catalog) Get(ctx context.Context, id string) (domain.Protocol, error) {
	return c.Repo.GetProtocol(ctx, id)
}

// List returns every protocol template, active or not.
func (c Catalog) List(ctx context.Context) ([]domain.Protocol, error) {
	return c.Repo.ListProtocols(ctx)
}

// Import upserts every protocol defined in the config and returns the count.
func (c Catalog) Import(ctx context.Context, cfg *config.Config) (int, error) {
	return c.ImportTx(ctx, nil, cfg)
}

func (c Catalog) ImportTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) (int, error) {
	protocols := cfg.DomainProtocols()
	for _, p := range protocols {
		if err := c.Repo.UpsertProtocolTx(ctx, tx, p); err != nil {
			return 0, fmt.Errorf("import protocol %s: %w", p.ID, err)
		}
	}
	return len(protocols), nil
}
