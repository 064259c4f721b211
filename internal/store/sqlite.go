package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avasylenko/pricewatch/internal/metrics"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	region         TEXT NOT NULL DEFAULT '',
	store          TEXT NOT NULL DEFAULT '',
	price_original REAL NOT NULL,
	price_sale     REAL NOT NULL,
	lowest_price   REAL NOT NULL,
	lowest_ref     REAL NOT NULL DEFAULT 0,
	currency       TEXT NOT NULL DEFAULT '',
	image_url      TEXT NOT NULL DEFAULT '',
	link           TEXT NOT NULL DEFAULT '',
	active         INTEGER NOT NULL DEFAULT 1,
	first_seen     INTEGER NOT NULL,
	last_seen      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_listings_active ON listings(active);
CREATE INDEX IF NOT EXISTS idx_listings_last_seen ON listings(last_seen);
`

const (
	busyRetries = 3
	busyBackoff = 200 * time.Millisecond
)

// SQLite implements Store on one per-source database file. All writes are
// serialised through a one-permit semaphore on top of SQLite's own WAL and
// busy-timeout handling; concurrent readers go straight through.
type SQLite struct {
	db     *sql.DB
	source domain.Source
	writeS chan struct{}
	log    *slog.Logger
}

// SQLiteOption configures the SQLite store.
type SQLiteOption func(*SQLite)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLite) {
		s.log = l
	}
}

// Open opens (creating if needed) the database for one source and applies
// the production pragmas: WAL journal, 30 s busy timeout, NORMAL sync.
func Open(path string, source domain.Source, opts ...SQLiteOption) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", source, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &SQLite{
		db:     db,
		source: source,
		writeS: make(chan struct{}, 1),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get implements Store.Get.
func (s *SQLite) Get(ctx context.Context, id string) (*Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, region, store, price_original, price_sale,
		       lowest_price, lowest_ref, currency, image_url, link,
		       active, first_seen, last_seen
		FROM listings WHERE id = ?`, id)

	var (
		l                   Listing
		active              int
		firstSeen, lastSeen int64
	)
	err := row.Scan(
		&l.ID, &l.Name, &l.Region, &l.Store, &l.Original, &l.Sale,
		&l.LowestPrice, &l.LowestRef, &l.Currency, &l.ImageURL, &l.Link,
		&active, &firstSeen, &lastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting listing %s: %w", id, err)
	}

	l.Active = active == 1
	l.FirstSeen = time.Unix(firstSeen, 0).UTC()
	l.LastSeen = time.Unix(lastSeen, 0).UTC()
	return &l, nil
}

// Upsert implements Store.Upsert.
func (s *SQLite) Upsert(ctx context.Context, l *Listing) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO listings (
				id, name, region, store, price_original, price_sale,
				lowest_price, lowest_ref, currency, image_url, link,
				active, first_seen, last_seen
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				region = excluded.region,
				store = excluded.store,
				price_original = excluded.price_original,
				price_sale = excluded.price_sale,
				lowest_price = excluded.lowest_price,
				lowest_ref = excluded.lowest_ref,
				currency = excluded.currency,
				image_url = excluded.image_url,
				link = excluded.link,
				active = excluded.active,
				last_seen = excluded.last_seen`,
			l.ID, l.Name, l.Region, l.Store, l.Original, l.Sale,
			l.LowestPrice, l.LowestRef, l.Currency, l.ImageURL, l.Link,
			boolInt(l.Active), l.FirstSeen.Unix(), l.LastSeen.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upserting listing %s: %w", l.ID, err)
		}
		return nil
	})
}

// UpdatePrice implements Store.UpdatePrice.
func (s *SQLite) UpdatePrice(
	ctx context.Context,
	id string,
	sale, lowest, lowestRef float64,
	seen time.Time,
) error {
	return s.write(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE listings
			SET price_sale = ?, lowest_price = ?, lowest_ref = ?,
			    active = 1, last_seen = ?
			WHERE id = ?`,
			sale, lowest, lowestRef, seen.Unix(), id)
		if err != nil {
			return fmt.Errorf("updating price for %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Touch implements Store.Touch.
func (s *SQLite) Touch(ctx context.Context, id string, seen time.Time) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE listings SET last_seen = ?, active = 1 WHERE id = ?`,
			seen.Unix(), id)
		if err != nil {
			return fmt.Errorf("touching listing %s: %w", id, err)
		}
		return nil
	})
}

// DeactivateExcept implements Store.DeactivateExcept. The active set is read
// first and diffed in memory; updates go out in bounded chunks so the SQL
// placeholder limit is never hit.
func (s *SQLite) DeactivateExcept(ctx context.Context, seen []string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM listings WHERE active = 1`)
	if err != nil {
		return 0, fmt.Errorf("listing active ids: %w", err)
	}
	defer rows.Close()

	seenSet := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		seenSet[id] = struct{}{}
	}

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scanning active id: %w", err)
		}
		if _, ok := seenSet[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating active ids: %w", err)
	}

	const chunk = 500
	total := 0
	for start := 0; start < len(stale); start += chunk {
		end := min(start+chunk, len(stale))
		ids := stale[start:end]

		err := s.write(ctx, func() error {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
			args := make([]any, len(ids))
			for i, id := range ids {
				args[i] = id
			}
			res, err := s.db.ExecContext(ctx,
				`UPDATE listings SET active = 0 WHERE id IN (`+placeholders+`)`,
				args...)
			if err != nil {
				return fmt.Errorf("deactivating %d listings: %w", len(ids), err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
			return nil
		})
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// DeleteOlderThan implements Store.DeleteOlderThan.
func (s *SQLite) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var deleted int
	err := s.write(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM listings WHERE last_seen < ?`, cutoff.Unix())
		if err != nil {
			return fmt.Errorf("deleting stale rows: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	return deleted, err
}

// write runs fn holding the single write permit, retrying busy errors with
// exponential backoff.
func (s *SQLite) write(ctx context.Context, fn func() error) error {
	select {
	case s.writeS <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writeS }()

	var err error
	for attempt := range busyRetries {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}

		metrics.StoreBusyRetriesTotal.WithLabelValues(string(s.source)).Inc()
		s.log.Warn("database busy, retrying", "source", s.source, "attempt", attempt+1)

		backoff := busyBackoff << attempt
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
