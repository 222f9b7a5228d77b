package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

// GetSettings returns the stored settings overlaid on the defaults, so a
// fresh or partially written row still yields a usable configuration.
func (d *DB) GetSettings(ctx context.Context) (*config.Settings, error) {
	var data string
	err := d.db.QueryRowContext(ctx,
		`SELECT data FROM settings WHERE id = 1`,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		settings := config.DefaultSettings()
		return &settings, nil
	}
	if err != nil {
		return nil, err
	}

	settings := config.DefaultSettings()
	if err := decodeJSON(data, &settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &settings, nil
}

func (d *DB) UpdateSettings(ctx context.Context, settings *config.Settings) error {
	data, err := encodeJSON(settings, "{}")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO settings (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		data, now(),
	); err != nil {
		return err
	}

	d.events.Emit(store.Event{Kind: store.EventSettingsUpdated})
	return nil
}
