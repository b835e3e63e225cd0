package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"mcpr.dev/internal/jsonrpc"
)

// UpstreamRecord is a persisted backend registration. Args are stored as
// a JSON-encoded array string.
type UpstreamRecord struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Command      string   `json:"command,omitempty"`
	Args         []string `json:"args"`
	URL          string   `json:"url,omitempty"`
	Bearer       string   `json:"bearer,omitempty"`
	ProviderSlug string   `json:"provider_slug,omitempty"`
}

// UpsertUpstream creates or replaces the record keyed by name.
func (s *Store) UpsertUpstream(ctx context.Context, rec UpstreamRecord) error {
	args := rec.Args
	if args == nil {
		args = []string{}
	}
	encoded, err := jsonrpc.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "encode upstream args")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO upstreams (name, kind, command, args, url, bearer, provider_slug)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Name, rec.Kind, nullString(rec.Command), string(encoded),
		nullString(rec.URL), nullString(rec.Bearer), nullString(rec.ProviderSlug))
	return errors.Wrap(err, "upsert upstream")
}

// ListUpstreams returns all persisted upstream records.
func (s *Store) ListUpstreams(ctx context.Context) ([]*UpstreamRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, command, args, url, bearer, provider_slug
		FROM upstreams
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list upstreams")
	}
	defer rows.Close()

	var records []*UpstreamRecord
	for rows.Next() {
		var rec UpstreamRecord
		var command, args, url, bearer, slug sql.NullString
		if err := rows.Scan(&rec.Name, &rec.Kind, &command, &args, &url, &bearer, &slug); err != nil {
			return nil, errors.Wrap(err, "scan upstream")
		}
		rec.Command = command.String
		rec.URL = url.String
		rec.Bearer = bearer.String
		rec.ProviderSlug = slug.String
		rec.Args = []string{}
		if args.Valid && args.String != "" {
			if err := jsonrpc.Unmarshal([]byte(args.String), &rec.Args); err != nil {
				return nil, errors.Wrapf(err, "decode args for upstream %s", rec.Name)
			}
		}
		records = append(records, &rec)
	}
	return records, errors.Wrap(rows.Err(), "iterate upstreams")
}
