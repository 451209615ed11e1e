// Package postgres provides a PostgreSQL implementation of the ledger.Store
// interface. Sync merges use SQL transactions with SELECT FOR UPDATE so the
// concurrency guards and the balance update commit atomically.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/grantledger/pkg/ledger"
)

// Schema is the DDL for the grant record store. Apply it out of band or via
// EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS customers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS customer_products (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
	product_id  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS customer_entitlements (
	id                  TEXT PRIMARY KEY,
	customer_product_id TEXT NOT NULL REFERENCES customer_products(id) ON DELETE CASCADE,
	customer_id         TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
	feature_id          TEXT NOT NULL,
	entitlement         JSONB NOT NULL,
	balance             BIGINT NOT NULL DEFAULT 0,
	adjustment          BIGINT NOT NULL DEFAULT 0,
	purchased           BIGINT NOT NULL DEFAULT 0,
	entities            JSONB,
	next_reset_at       BIGINT,
	cache_version       BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_cus_ents_customer ON customer_entitlements(customer_id);

CREATE TABLE IF NOT EXISTS rollovers (
	id          TEXT PRIMARY KEY,
	cus_ent_id  TEXT NOT NULL REFERENCES customer_entitlements(id) ON DELETE CASCADE,
	customer_id TEXT NOT NULL,
	balance     BIGINT NOT NULL DEFAULT 0,
	usage       BIGINT NOT NULL DEFAULT 0,
	expires_at  BIGINT,
	entities    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_rollovers_cus_ent ON rollovers(cus_ent_id);

CREATE TABLE IF NOT EXISTS entities (
	id          TEXT NOT NULL,
	customer_id TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
	feature_id  TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (customer_id, id)
);
`

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store adapter.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// GetFullCustomer implements ledger.Store.
func (s *Store) GetFullCustomer(ctx context.Context, customerID string) (*ledger.FullCustomer, error) {
	fc := &ledger.FullCustomer{}

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM customers WHERE id = $1`,
		customerID).Scan(&fc.Customer.ID, &fc.Customer.Name, &fc.Customer.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}

	products, err := s.loadProducts(ctx, customerID)
	if err != nil {
		return nil, err
	}
	fc.Products = products

	entities, err := s.loadEntities(ctx, customerID)
	if err != nil {
		return nil, err
	}
	fc.Entities = entities

	return fc, nil
}

func (s *Store) loadProducts(ctx context.Context, customerID string) ([]*ledger.CustomerProduct, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, status, created_at
			FROM customer_products
			WHERE customer_id = $1
			ORDER BY created_at, id`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*ledger.CustomerProduct
	byID := make(map[string]*ledger.CustomerProduct)
	for rows.Next() {
		p := &ledger.CustomerProduct{CustomerID: customerID}
		if err := rows.Scan(&p.ID, &p.ProductID, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}

	cusEnts, err := s.loadCusEnts(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for _, row := range cusEnts {
		if p, ok := byID[row.productID]; ok {
			p.CusEnts = append(p.CusEnts, row.ce)
		}
	}

	return products, nil
}

type cusEntRow struct {
	productID string
	ce        *ledger.CustomerEntitlement
}

func (s *Store) loadCusEnts(ctx context.Context, customerID string) ([]cusEntRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, customer_product_id, feature_id, entitlement, balance, adjustment,
				purchased, entities, next_reset_at, cache_version, created_at
			FROM customer_entitlements
			WHERE customer_id = $1
			ORDER BY created_at, id`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cus-ents: %w", err)
	}
	defer rows.Close()

	var out []cusEntRow
	byID := make(map[string]*ledger.CustomerEntitlement)
	for rows.Next() {
		ce := &ledger.CustomerEntitlement{}
		var entJSON, entitiesJSON []byte
		var productID string
		if err := rows.Scan(&ce.ID, &productID, &ce.FeatureID, &entJSON, &ce.Balance,
			&ce.Adjustment, &ce.Purchased, &entitiesJSON, &ce.NextResetAt,
			&ce.CacheVersion, &ce.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cus-ent: %w", err)
		}
		ce.CustomerProductID = productID
		ce.Entitlement = &ledger.Entitlement{}
		if err := json.Unmarshal(entJSON, ce.Entitlement); err != nil {
			return nil, fmt.Errorf("failed to decode entitlement %s: %w", ce.ID, err)
		}
		if len(entitiesJSON) > 0 {
			if err := json.Unmarshal(entitiesJSON, &ce.Entities); err != nil {
				return nil, fmt.Errorf("failed to decode entity balances %s: %w", ce.ID, err)
			}
		}
		out = append(out, cusEntRow{productID: productID, ce: ce})
		byID[ce.ID] = ce
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cus-ents: %w", err)
	}

	if err := s.loadRollovers(ctx, customerID, byID); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Store) loadRollovers(ctx context.Context, customerID string, cusEnts map[string]*ledger.CustomerEntitlement) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cus_ent_id, balance, usage, expires_at, entities
			FROM rollovers
			WHERE customer_id = $1
			ORDER BY created_at, id`,
		customerID)
	if err != nil {
		return fmt.Errorf("failed to query rollovers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r := &ledger.Rollover{}
		var entitiesJSON []byte
		if err := rows.Scan(&r.ID, &r.CusEntID, &r.Balance, &r.Usage, &r.ExpiresAt, &entitiesJSON); err != nil {
			return fmt.Errorf("failed to scan rollover: %w", err)
		}
		if len(entitiesJSON) > 0 {
			if err := json.Unmarshal(entitiesJSON, &r.Entities); err != nil {
				return fmt.Errorf("failed to decode rollover entities %s: %w", r.ID, err)
			}
		}
		if ce, ok := cusEnts[r.CusEntID]; ok {
			ce.Rollovers = append(ce.Rollovers, r)
		}
	}
	return rows.Err()
}

// SyncFromCache implements ledger.Store. Every guarded row is locked with
// SELECT FOR UPDATE before any write; a single failed guard rolls back the
// whole merge.
func (s *Store) SyncFromCache(ctx context.Context, req *ledger.SyncRequest) (*ledger.SyncResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	res := &ledger.SyncResult{NewVersions: make(map[string]int64, len(req.CusEnts))}

	for _, entry := range req.CusEnts {
		var balance, adjustment, version int64
		var nextResetAt *int64
		var entitiesJSON []byte

		err := tx.QueryRow(ctx,
			`SELECT balance, adjustment, entities, next_reset_at, cache_version
				FROM customer_entitlements
				WHERE id = $1 AND customer_id = $2
				FOR UPDATE`,
			entry.CusEntID, req.CustomerID).Scan(&balance, &adjustment, &entitiesJSON, &nextResetAt, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrCusEntNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock cus-ent %s: %w", entry.CusEntID, err)
		}

		var stored map[string]*ledger.EntityBalance
		if len(entitiesJSON) > 0 {
			if err := json.Unmarshal(entitiesJSON, &stored); err != nil {
				return nil, fmt.Errorf("failed to decode entity balances %s: %w", entry.CusEntID, err)
			}
		}

		if !replayEqual(entry, balance, adjustment, nextResetAt, stored) {
			if !resetAtEqual(nextResetAt, entry.NextResetAt) {
				return nil, &ledger.ConflictError{CusEntID: entry.CusEntID, Code: ledger.ConflictResetAt}
			}
			if entry.EntityCount != len(stored) {
				return nil, &ledger.ConflictError{CusEntID: entry.CusEntID, Code: ledger.ConflictEntityCount}
			}
			if entry.CacheVersion < version {
				return nil, &ledger.ConflictError{CusEntID: entry.CusEntID, Code: ledger.ConflictCacheVersion}
			}
		}

		merged := mergeEntityBalances(stored, entry.Entities)
		mergedJSON, err := marshalNullable(merged)
		if err != nil {
			return nil, fmt.Errorf("failed to encode entity balances %s: %w", entry.CusEntID, err)
		}

		var newVersion int64
		err = tx.QueryRow(ctx,
			`UPDATE customer_entitlements
				SET balance = $1, adjustment = $2, entities = $3, cache_version = cache_version + 1
				WHERE id = $4
				RETURNING cache_version`,
			entry.Balance, entry.Adjustment, mergedJSON, entry.CusEntID).Scan(&newVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to update cus-ent %s: %w", entry.CusEntID, err)
		}

		res.NewVersions[entry.CusEntID] = newVersion
		res.UpdatedCount++
	}

	for _, entry := range req.Rollovers {
		entitiesJSON, err := marshalNullable(entry.Entities)
		if err != nil {
			return nil, fmt.Errorf("failed to encode rollover entities %s: %w", entry.RolloverID, err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE rollovers
				SET balance = $1, usage = $2,
					entities = COALESCE($3, entities)
				WHERE id = $4 AND customer_id = $5`,
			entry.Balance, entry.Usage, entitiesJSON, entry.RolloverID, req.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("failed to update rollover %s: %w", entry.RolloverID, err)
		}
		res.RolloverUpdatedCount += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return res, nil
}

// CreateCustomer implements ledger.Store.
func (s *Store) CreateCustomer(ctx context.Context, fc *ledger.FullCustomer) error {
	if fc == nil || fc.Customer.ID == "" {
		return fmt.Errorf("invalid customer")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	createdAt := fc.Customer.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO customers (id, name, created_at) VALUES ($1, $2, $3)`,
		fc.Customer.ID, fc.Customer.Name, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert customer: %w", err)
	}

	for _, p := range fc.Products {
		if err := insertProduct(ctx, tx, fc.Customer.ID, p); err != nil {
			return err
		}
	}
	for _, e := range fc.Entities {
		if err := insertEntity(ctx, tx, fc.Customer.ID, e); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// AttachProduct implements ledger.Store.
func (s *Store) AttachProduct(ctx context.Context, customerID string, product *ledger.CustomerProduct) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1)`, customerID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check customer: %w", err)
	}
	if !exists {
		return ledger.ErrCustomerNotFound
	}

	if err := insertProduct(ctx, tx, customerID, product); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ResetCusEnt implements ledger.Store.
func (s *Store) ResetCusEnt(ctx context.Context, customerID, cusEntID string, upd *ledger.ResetUpdate) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var entitiesJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT entities FROM customer_entitlements
			WHERE id = $1 AND customer_id = $2
			FOR UPDATE`,
		cusEntID, customerID).Scan(&entitiesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrCusEntNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock cus-ent %s: %w", cusEntID, err)
	}

	var stored map[string]*ledger.EntityBalance
	if len(entitiesJSON) > 0 {
		if err := json.Unmarshal(entitiesJSON, &stored); err != nil {
			return 0, fmt.Errorf("failed to decode entity balances %s: %w", cusEntID, err)
		}
	}
	for id, bal := range upd.EntityBalances {
		if eb, ok := stored[id]; ok {
			eb.Balance = bal
			eb.Adjustment = 0
		}
	}
	mergedJSON, err := marshalNullable(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entity balances %s: %w", cusEntID, err)
	}

	var newVersion int64
	err = tx.QueryRow(ctx,
		`UPDATE customer_entitlements
			SET balance = $1, adjustment = $2, purchased = $3, entities = $4,
				next_reset_at = $5, cache_version = cache_version + 1
			WHERE id = $6
			RETURNING cache_version`,
		upd.Balance, upd.Adjustment, upd.Purchased, mergedJSON, upd.NextResetAt, cusEntID).Scan(&newVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to reset cus-ent %s: %w", cusEntID, err)
	}

	if len(upd.PruneRolloverIDs) > 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM rollovers WHERE cus_ent_id = $1 AND id = ANY($2)`,
			cusEntID, upd.PruneRolloverIDs)
		if err != nil {
			return 0, fmt.Errorf("failed to prune rollovers: %w", err)
		}
	}
	if upd.Rollover != nil {
		rolloverEntities, err := marshalNullable(upd.Rollover.Entities)
		if err != nil {
			return 0, fmt.Errorf("failed to encode rollover entities: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO rollovers (id, cus_ent_id, customer_id, balance, usage, expires_at, entities)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			upd.Rollover.ID, cusEntID, customerID, upd.Rollover.Balance,
			upd.Rollover.Usage, upd.Rollover.ExpiresAt, rolloverEntities)
		if err != nil {
			return 0, fmt.Errorf("failed to insert rollover: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	return newVersion, nil
}

// SaveEntities implements ledger.Store.
func (s *Store) SaveEntities(ctx context.Context, customerID string, entities []*ledger.Entity, cusEnts []*ledger.CustomerEntitlement) (map[string]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1)`, customerID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check customer: %w", err)
	}
	if !exists {
		return nil, ledger.ErrCustomerNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE customer_id = $1`, customerID); err != nil {
		return nil, fmt.Errorf("failed to clear entities: %w", err)
	}
	for _, e := range entities {
		if err := insertEntity(ctx, tx, customerID, e); err != nil {
			return nil, err
		}
	}

	versions := make(map[string]int64, len(cusEnts))
	for _, ce := range cusEnts {
		entitiesJSON, err := marshalNullable(ce.Entities)
		if err != nil {
			return nil, fmt.Errorf("failed to encode entity balances %s: %w", ce.ID, err)
		}
		var newVersion int64
		err = tx.QueryRow(ctx,
			`UPDATE customer_entitlements
				SET entities = $1, cache_version = cache_version + 1
				WHERE id = $2 AND customer_id = $3
				RETURNING cache_version`,
			entitiesJSON, ce.ID, customerID).Scan(&newVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrCusEntNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update cus-ent %s: %w", ce.ID, err)
		}
		versions[ce.ID] = newVersion
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return versions, nil
}

func insertProduct(ctx context.Context, tx pgx.Tx, customerID string, p *ledger.CustomerProduct) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := p.Status
	if status == "" {
		status = "active"
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO customer_products (id, customer_id, product_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
		p.ID, customerID, p.ProductID, status, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert product %s: %w", p.ID, err)
	}

	for _, ce := range p.CusEnts {
		entJSON, err := json.Marshal(ce.Entitlement)
		if err != nil {
			return fmt.Errorf("failed to encode entitlement %s: %w", ce.ID, err)
		}
		entitiesJSON, err := marshalNullable(ce.Entities)
		if err != nil {
			return fmt.Errorf("failed to encode entity balances %s: %w", ce.ID, err)
		}
		version := ce.CacheVersion
		if version == 0 {
			version = 1
		}
		ceCreatedAt := ce.CreatedAt
		if ceCreatedAt.IsZero() {
			ceCreatedAt = time.Now().UTC()
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO customer_entitlements
				(id, customer_product_id, customer_id, feature_id, entitlement, balance,
				 adjustment, purchased, entities, next_reset_at, cache_version, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			ce.ID, p.ID, customerID, ce.FeatureID, string(entJSON), ce.Balance,
			ce.Adjustment, ce.Purchased, entitiesJSON, ce.NextResetAt, version, ceCreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert cus-ent %s: %w", ce.ID, err)
		}
	}

	return nil
}

func insertEntity(ctx context.Context, tx pgx.Tx, customerID string, e *ledger.Entity) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO entities (id, customer_id, feature_id, name, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
		e.ID, customerID, e.FeatureID, e.Name, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert entity %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) loadEntities(ctx context.Context, customerID string) ([]*ledger.Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, feature_id, name, created_at
			FROM entities
			WHERE customer_id = $1
			ORDER BY created_at, id`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []*ledger.Entity
	for rows.Next() {
		e := &ledger.Entity{}
		if err := rows.Scan(&e.ID, &e.FeatureID, &e.Name, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// replayEqual reports whether the entry matches the committed row exactly,
// making the merge an idempotent replay that bypasses the guards.
func replayEqual(entry *ledger.SyncCusEntEntry, balance, adjustment int64, nextResetAt *int64, stored map[string]*ledger.EntityBalance) bool {
	if entry.Balance != balance || entry.Adjustment != adjustment {
		return false
	}
	if !resetAtEqual(nextResetAt, entry.NextResetAt) {
		return false
	}
	if len(entry.Entities) != len(stored) || entry.EntityCount != len(stored) {
		return false
	}
	for id, eb := range entry.Entities {
		sv, ok := stored[id]
		if !ok || *sv != *eb {
			return false
		}
	}
	return true
}

func mergeEntityBalances(stored, update map[string]*ledger.EntityBalance) map[string]*ledger.EntityBalance {
	if stored == nil {
		stored = make(map[string]*ledger.EntityBalance, len(update))
	}
	for id, eb := range update {
		if sv, ok := stored[id]; ok {
			*sv = *eb
		}
	}
	return stored
}

func resetAtEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// marshalNullable encodes a map as JSONB text, returning nil (SQL NULL) for
// empty maps.
func marshalNullable(v interface{}) (interface{}, error) {
	switch m := v.(type) {
	case map[string]*ledger.EntityBalance:
		if len(m) == 0 {
			return nil, nil
		}
	case map[string]*ledger.RolloverEntityBalance:
		if len(m) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
