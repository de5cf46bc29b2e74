package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProviderStatus is the operational state of a configured provider.
// CircuitOpen mirrors the breaker and is written by the transition hook.
type ProviderStatus string

const (
	ProviderActive      ProviderStatus = "active"
	ProviderInactive    ProviderStatus = "inactive"
	ProviderDegraded    ProviderStatus = "degraded"
	ProviderMaintenance ProviderStatus = "maintenance"
	ProviderCircuitOpen ProviderStatus = "circuit_open"
)

// PaymentProvider is a configured gateway. Name is the routing selector used
// by both the router and webhook ingestion. Credentials are opaque to the
// core and handed to the adapter at registration; Config carries non-secret
// tuning such as rate limits and per-provider timeouts.
type PaymentProvider struct {
	ID                  uuid.UUID
	Name                string
	DisplayName         string
	Status              ProviderStatus
	SupportedCurrencies []string
	Priority            int
	Credentials         map[string]string
	Config              map[string]string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeletedAt           *time.Time
}

// ProviderRepo persists provider configuration. Reads exclude soft-deleted
// rows.
type ProviderRepo struct {
	db querier
}

const providerColumns = `id, name, display_name, status, supported_currencies, priority,
	credentials, config, created_at, updated_at, deleted_at`

func scanProvider(row pgx.Row) (*PaymentProvider, error) {
	var p PaymentProvider
	err := row.Scan(
		&p.ID, &p.Name, &p.DisplayName, &p.Status, &p.SupportedCurrencies, &p.Priority,
		&p.Credentials, &p.Config, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a provider. A reused name returns ErrDuplicateKey.
func (r *ProviderRepo) Create(ctx context.Context, p *PaymentProvider) error {
	if p.Credentials == nil {
		p.Credentials = map[string]string{}
	}
	if p.Config == nil {
		p.Config = map[string]string{}
	}
	query := `INSERT INTO payment_providers
		(name, display_name, status, supported_currencies, priority, credentials, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		p.Name, p.DisplayName, p.Status, p.SupportedCurrencies, p.Priority, p.Credentials, p.Config,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("provider %q already exists: %w", p.Name, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

// GetByID fetches a provider, soft-deleted included (webhook events may
// still reference it).
func (r *ProviderRepo) GetByID(ctx context.Context, id uuid.UUID) (*PaymentProvider, error) {
	query := `SELECT ` + providerColumns + ` FROM payment_providers WHERE id = $1`
	p, err := scanProvider(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return p, nil
}

// GetByName resolves the routing selector. Soft-deleted providers are not
// found.
func (r *ProviderRepo) GetByName(ctx context.Context, name string) (*PaymentProvider, error) {
	query := `SELECT ` + providerColumns + ` FROM payment_providers
		WHERE name = $1 AND deleted_at IS NULL`
	p, err := scanProvider(r.db.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("provider %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return p, nil
}

// ListRoutable returns active and degraded providers supporting the given
// currency, priority ascending. The router separates the two tiers.
func (r *ProviderRepo) ListRoutable(ctx context.Context, currency string) ([]PaymentProvider, error) {
	query := `SELECT ` + providerColumns + ` FROM payment_providers
		WHERE status IN ($1, $2) AND $3 = ANY(supported_currencies) AND deleted_at IS NULL
		ORDER BY priority ASC, name ASC`
	rows, err := r.db.Query(ctx, query, ProviderActive, ProviderDegraded, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to list routable providers: %w", err)
	}
	defer rows.Close()
	return collectProviders(rows)
}

// List returns every non-deleted provider, priority ascending.
func (r *ProviderRepo) List(ctx context.Context) ([]PaymentProvider, error) {
	query := `SELECT ` + providerColumns + ` FROM payment_providers
		WHERE deleted_at IS NULL ORDER BY priority ASC, name ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()
	return collectProviders(rows)
}

func collectProviders(rows pgx.Rows) ([]PaymentProvider, error) {
	var result []PaymentProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// Update rewrites the mutable attributes of the named provider.
func (r *ProviderRepo) Update(ctx context.Context, p *PaymentProvider) error {
	query := `UPDATE payment_providers SET
			display_name = $2,
			status = $3,
			supported_currencies = $4,
			priority = $5,
			credentials = $6,
			config = $7,
			updated_at = now()
		WHERE name = $1 AND deleted_at IS NULL
		RETURNING id, updated_at`
	err := r.db.QueryRow(ctx, query,
		p.Name, p.DisplayName, p.Status, p.SupportedCurrencies, p.Priority, p.Credentials, p.Config,
	).Scan(&p.ID, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("provider %q: %w", p.Name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	return nil
}

// UpdateStatus flips only the operational status; the breaker transition
// hook uses this to record circuit_open and recovery.
func (r *ProviderRepo) UpdateStatus(ctx context.Context, name string, status ProviderStatus) error {
	query := `UPDATE payment_providers SET status = $2, updated_at = now()
		WHERE name = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, name, status)
	if err != nil {
		return fmt.Errorf("failed to update provider status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("provider %q: %w", name, ErrNotFound)
	}
	return nil
}

// SoftDelete removes the provider from routing without breaking historical
// references.
func (r *ProviderRepo) SoftDelete(ctx context.Context, name string) error {
	query := `UPDATE payment_providers SET deleted_at = now(), status = $2, updated_at = now()
		WHERE name = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, name, ProviderInactive)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("provider %q: %w", name, ErrNotFound)
	}
	return nil
}
