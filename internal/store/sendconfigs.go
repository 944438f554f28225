package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

func (db *DB) GetSendConfig(ctx context.Context, id uuid.UUID) (*SendConfig, error) {
	const query = `SELECT id, user_id, module, mode, config, rate_limit_per_second, is_default, is_active
		FROM send_configs WHERE id = $1`

	var sc SendConfig
	var configRaw []byte
	var rps sql.NullInt64
	err := db.QueryRowContext(ctx, query, id).Scan(
		&sc.ID, &sc.UserID, &sc.Module, &sc.Mode, &configRaw, &rps, &sc.IsDefault, &sc.IsActive)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("send config not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send config: %w", err)
	}

	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &sc.Config); err != nil {
			return nil, fmt.Errorf("failed to decode send config: %w", err)
		}
	}
	if rps.Valid {
		sc.RateLimit = &RateLimit{PerSecond: int(rps.Int64)}
	}

	return &sc, nil
}
