package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

func (d *DB) CreateEndpoint(ctx context.Context, ep *config.EndpointConfig) error {
	return d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		namespaces, err := namespaceNames(ctx, q)
		if err != nil {
			return nil, err
		}
		if err := config.ValidateEndpoint(ep, namespaces); err != nil {
			return nil, err
		}

		ts := now()
		if _, err := q.ExecContext(ctx, `
			INSERT INTO endpoints
				(name, namespace, public, allow_query_key, owner, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ep.Name, ep.Namespace, ep.Auth.Public, ep.Auth.AllowQueryKey,
			ep.Owner, ep.Description, ts, ts,
		); err != nil {
			return nil, mapConstraintError(err)
		}

		return []store.Event{{Kind: store.EventEndpointUpdated, Name: ep.Name}}, nil
	})
}

func (d *DB) GetEndpoint(ctx context.Context, name string) (*config.EndpointConfig, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT name, namespace, public, allow_query_key, owner, description
		FROM endpoints WHERE name = ?`, name)
	ep, err := scanEndpointRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return ep, err
}

func (d *DB) ListEndpoints(ctx context.Context) ([]*config.EndpointConfig, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT name, namespace, public, allow_query_key, owner, description
		FROM endpoints ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*config.EndpointConfig
	for rows.Next() {
		ep, err := scanEndpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (d *DB) UpdateEndpoint(ctx context.Context, ep *config.EndpointConfig) error {
	return d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		namespaces, err := namespaceNames(ctx, q)
		if err != nil {
			return nil, err
		}
		if err := config.ValidateEndpoint(ep, namespaces); err != nil {
			return nil, err
		}

		res, err := q.ExecContext(ctx, `
			UPDATE endpoints
			SET namespace = ?, public = ?, allow_query_key = ?, owner = ?, description = ?, updated_at = ?
			WHERE name = ?`,
			ep.Namespace, ep.Auth.Public, ep.Auth.AllowQueryKey,
			ep.Owner, ep.Description, now(), ep.Name,
		)
		if err != nil {
			return nil, mapConstraintError(err)
		}
		if err := checkRowsAffected(res); err != nil {
			return nil, err
		}

		return []store.Event{{Kind: store.EventEndpointUpdated, Name: ep.Name}}, nil
	})
}

func (d *DB) DeleteEndpoint(ctx context.Context, name string) error {
	return d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		res, err := q.ExecContext(ctx, `DELETE FROM endpoints WHERE name = ?`, name)
		if err != nil {
			return nil, err
		}
		if err := checkRowsAffected(res); err != nil {
			return nil, err
		}
		return []store.Event{{Kind: store.EventEndpointRemoved, Name: name}}, nil
	})
}

func scanEndpointRow(row rowScanner) (*config.EndpointConfig, error) {
	var ep config.EndpointConfig
	err := row.Scan(
		&ep.Name, &ep.Namespace, &ep.Auth.Public, &ep.Auth.AllowQueryKey,
		&ep.Owner, &ep.Description,
	)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}
