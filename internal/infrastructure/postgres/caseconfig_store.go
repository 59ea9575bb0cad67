package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/intake-engine/internal/caseconfig"
)

// ErrConfigNotFound indicates no stored configuration for the org.
var ErrConfigNotFound = errors.New("case configuration not found")

// CaseConfigStore persists per-organization case configurations as
// JSONB documents. The registry serves reads at runtime; the store is
// the durable source it hydrates from.
type CaseConfigStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewCaseConfigStore creates a store backed by pool.
func NewCaseConfigStore(pool *pgxpool.Pool, logger *zap.Logger) *CaseConfigStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseConfigStore{pool: pool, logger: logger}
}

// Save upserts the configuration for cfg.OrgID.
func (s *CaseConfigStore) Save(ctx context.Context, cfg caseconfig.CaseConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `
		INSERT INTO org_case_configs (org_id, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (org_id) DO UPDATE
		SET config = EXCLUDED.config, updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, cfg.OrgID, doc); err != nil {
		return fmt.Errorf("failed to save config for %s: %w", cfg.OrgID, err)
	}

	s.logger.Info("case configuration saved", zap.String("org_id", cfg.OrgID))
	return nil
}

// Load returns the stored configuration for orgID.
func (s *CaseConfigStore) Load(ctx context.Context, orgID string) (caseconfig.CaseConfig, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, "SELECT config FROM org_case_configs WHERE org_id = $1", orgID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return caseconfig.CaseConfig{}, ErrConfigNotFound
	}
	if err != nil {
		return caseconfig.CaseConfig{}, fmt.Errorf("failed to load config for %s: %w", orgID, err)
	}

	var cfg caseconfig.CaseConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return caseconfig.CaseConfig{}, fmt.Errorf("failed to unmarshal config for %s: %w", orgID, err)
	}
	return cfg, nil
}

// LoadAll returns every stored configuration.
func (s *CaseConfigStore) LoadAll(ctx context.Context) ([]caseconfig.CaseConfig, error) {
	rows, err := s.pool.Query(ctx, "SELECT org_id, config FROM org_case_configs ORDER BY org_id")
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var configs []caseconfig.CaseConfig
	for rows.Next() {
		var orgID string
		var doc []byte
		if err := rows.Scan(&orgID, &doc); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		var cfg caseconfig.CaseConfig
		if err := json.Unmarshal(doc, &cfg); err != nil {
			// Skip corrupt rows rather than failing startup
			s.logger.Warn("skipping unreadable case configuration",
				zap.String("org_id", orgID),
				zap.Error(err))
			continue
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// Hydrate loads every stored configuration into the registry.
func (s *CaseConfigStore) Hydrate(ctx context.Context, registry *caseconfig.Registry) error {
	configs, err := s.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		registry.Register(cfg)
	}
	s.logger.Info("case configurations loaded", zap.Int("count", len(configs)))
	return nil
}
