package store

import (
	"context"
	"database/sql"
	"sort"
)

// SetParameters upserts every parameter in one transaction.
func (s *SQLStore) SetParameters(ctx context.Context, params map[string]string, proposalID string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	now := s.now().Unix()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt := s.db.Rebind(`
			INSERT INTO system_parameters (param_key, param_value, proposal_id, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (param_key) DO UPDATE SET
				param_value = excluded.param_value,
				proposal_id = excluded.proposal_id,
				updated_at = excluded.updated_at`)
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, stmt, k, params[k], proposalID, now); err != nil {
				return storageErr("set parameter "+k, err)
			}
		}
		return nil
	})
}

// GetParameter returns a parameter's JSON-encoded value.
func (s *SQLStore) GetParameter(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT param_value FROM system_parameters WHERE param_key = ?`), key).Scan(&v)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get parameter", err)
	}
	return v, true, nil
}

// Parameters returns every system parameter.
func (s *SQLStore) Parameters(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT param_key, param_value FROM system_parameters`)
	if err != nil {
		return nil, storageErr("list parameters", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storageErr("list parameters", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list parameters", err)
	}
	return out, nil
}
