package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fxengine/internal/domain"
	"fxengine/pkg/cryptoutil"
)

// ErrNotFound is returned when a lookup by key finds no row.
var ErrNotFound = errors.New("record not found")

// Queries is the DB-fallback read/write surface order.Engine and the
// config-sync tooling use. keys is nil in deployments that never store
// credentials in this table (group-config-only fallback).
type Queries struct {
	db   *sql.DB
	keys *cryptoutil.KeyManager
}

// Queries binds a Queries to this database. Pass nil for keys if this
// deployment never calls StoreCredential/GetCredential.
func (d *Database) Queries(keys *cryptoutil.KeyManager) *Queries {
	return &Queries{db: d.DB, keys: keys}
}

// FetchGroupConfig implements order.GroupDBFallback: the execution engine
// calls this when Redis's group config cache misses, per spec.md §4.3 step 4.
func (q *Queries) FetchGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error) {
	var cfg domain.GroupConfig
	err := q.db.QueryRowContext(ctx, `
		SELECT grp, symbol, contract_size, profit_currency, instrument_type,
		       spread, spread_pip, commission_rate, commission_type,
		       commission_val_type, crypto_margin_factor, group_margin
		FROM group_configs
		WHERE grp = ? AND symbol = ?
	`, group, symbol).Scan(
		&cfg.Group, &cfg.Symbol, &cfg.ContractSize, &cfg.ProfitCurrency, &cfg.Type,
		&cfg.Spread, &cfg.SpreadPip, &cfg.CommissionRate, &cfg.CommissionType,
		&cfg.CommissionValType, &cfg.CryptoMarginFactor, &cfg.GroupMargin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GroupConfig{}, false, nil
	}
	if err != nil {
		return domain.GroupConfig{}, false, fmt.Errorf("fetch group config %s/%s: %w", group, symbol, err)
	}
	return cfg, true, nil
}

// UpsertGroupConfig writes or replaces a group/symbol row. This is the
// write side of the fallback table: whatever syncs group definitions into
// Redis should also mirror them here so the fallback stays current.
func (q *Queries) UpsertGroupConfig(ctx context.Context, cfg domain.GroupConfig) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO group_configs (
			grp, symbol, contract_size, profit_currency, instrument_type,
			spread, spread_pip, commission_rate, commission_type,
			commission_val_type, crypto_margin_factor, group_margin, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(grp, symbol) DO UPDATE SET
			contract_size = excluded.contract_size,
			profit_currency = excluded.profit_currency,
			instrument_type = excluded.instrument_type,
			spread = excluded.spread,
			spread_pip = excluded.spread_pip,
			commission_rate = excluded.commission_rate,
			commission_type = excluded.commission_type,
			commission_val_type = excluded.commission_val_type,
			crypto_margin_factor = excluded.crypto_margin_factor,
			group_margin = excluded.group_margin,
			updated_at = CURRENT_TIMESTAMP
	`, cfg.Group, cfg.Symbol, cfg.ContractSize, cfg.ProfitCurrency, cfg.Type,
		cfg.Spread, cfg.SpreadPip, cfg.CommissionRate, cfg.CommissionType,
		cfg.CommissionValType, cfg.CryptoMarginFactor, cfg.GroupMargin)
	return err
}

// StoreCredential encrypts secret under the key manager's current key
// version and upserts it by purpose (see the CredentialPurpose* constants).
func (q *Queries) StoreCredential(ctx context.Context, purpose, secret string) error {
	if q.keys == nil {
		return errors.New("credential encryption not configured")
	}
	encrypted, err := q.keys.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO credentials (id, purpose, secret_encrypted, key_version, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			secret_encrypted = excluded.secret_encrypted,
			key_version = excluded.key_version,
			updated_at = CURRENT_TIMESTAMP
	`, purpose, purpose, encrypted, q.keys.CurrentVersion())
	return err
}

// GetCredential decrypts and returns the secret stored under purpose.
func (q *Queries) GetCredential(ctx context.Context, purpose string) (string, error) {
	if q.keys == nil {
		return "", errors.New("credential encryption not configured")
	}
	var encrypted string
	err := q.db.QueryRowContext(ctx, `
		SELECT secret_encrypted FROM credentials WHERE purpose = ?
	`, purpose).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get credential %s: %w", purpose, err)
	}
	return q.keys.Decrypt(encrypted)
}
