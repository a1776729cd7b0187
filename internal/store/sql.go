package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"driverlink/internal/model"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) dir() string {
	if d == dialectPostgres {
		return "migrations/postgres"
	}
	return "migrations/sqlite"
}

// SQL implements Store over database/sql for SQLite and Postgres. Queries are
// written with ? placeholders and rebound for Postgres.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

func (s *SQL) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

// Migrate applies embedded migrations in filename order, once each.
func (s *SQL) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir(s.dialect.dir())
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		var count int
		if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM schema_migrations WHERE filename = ?"), name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationsFS.ReadFile(s.dialect.dir() + "/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(string(data), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q("INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)"), name, time.Now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// --- Offer ledger ---

func (s *SQL) RecordOffer(ctx context.Context, rec model.OfferRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO offers (offer_id, status, source, pickup_desc, drop_desc, price, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (offer_id) DO UPDATE SET status = excluded.status, resolved_at = excluded.resolved_at
		WHERE offers.status = 'expired' AND excluded.status = 'accepted'`),
		rec.OfferID, string(rec.Status), string(rec.Source), rec.PickupDesc, rec.DropDesc, rec.Price, rec.ResolvedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record offer: %w", err)
	}
	return nil
}

func (s *SQL) TerminalOffers(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT offer_id FROM offers WHERE resolved_at >= ? ORDER BY offer_id`), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("terminal offers: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQL) ListOffers(ctx context.Context, limit int) ([]model.OfferRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT offer_id, status, source, pickup_desc, drop_desc, price, resolved_at
		FROM offers ORDER BY resolved_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	out := []model.OfferRecord{}
	for rows.Next() {
		var (
			r              model.OfferRecord
			status, source string
			resolved       int64
		)
		if err := rows.Scan(&r.OfferID, &status, &source, &r.PickupDesc, &r.DropDesc, &r.Price, &resolved); err != nil {
			return nil, err
		}
		r.Status = model.OfferStatus(status)
		r.Source = model.Source(source)
		r.ResolvedAt = time.UnixMilli(resolved)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) PruneOffers(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM offers WHERE resolved_at < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune offers: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Decision outbox ---

func (s *SQL) EnqueueDecision(ctx context.Context, d model.Decision) error {
	var accept any
	if d.Accept != nil {
		b, err := json.Marshal(d.Accept)
		if err != nil {
			return err
		}
		accept = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO decisions (id, offer_id, kind, reason, worker_id, submitted_at, offer_expires_at, attempts, accept)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET attempts = excluded.attempts`),
		d.ID, d.OfferID, string(d.Kind), d.Reason, d.WorkerID, d.SubmittedAt.UnixMilli(), d.OfferExpiresAt.UnixMilli(), d.Attempts, accept)
	if err != nil {
		return fmt.Errorf("enqueue decision: %w", err)
	}
	return nil
}

func (s *SQL) PendingDecisions(ctx context.Context) ([]model.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, offer_id, kind, reason, worker_id, submitted_at, offer_expires_at, attempts, accept
		FROM decisions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pending decisions: %w", err)
	}
	defer rows.Close()
	out := []model.Decision{}
	for rows.Next() {
		var (
			d                  model.Decision
			kind               string
			submitted, expires int64
			accept             sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.OfferID, &kind, &d.Reason, &d.WorkerID, &submitted, &expires, &d.Attempts, &accept); err != nil {
			return nil, err
		}
		d.Kind = model.DecisionKind(kind)
		d.SubmittedAt = time.UnixMilli(submitted)
		d.OfferExpiresAt = time.UnixMilli(expires)
		if accept.Valid && accept.String != "" {
			d.Accept = &model.AcceptData{}
			if err := json.Unmarshal([]byte(accept.String), d.Accept); err != nil {
				return nil, fmt.Errorf("decode decision %s: %w", d.ID, err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) MarkDecisionAttempt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE decisions SET attempts = attempts + 1 WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("mark decision: %w", err)
	}
	return affectedOne(res)
}

func (s *SQL) DeleteDecision(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM decisions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete decision: %w", err)
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
