package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"deskbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store owns the SQLite database shared by the campaign engine.
type Store struct {
	db  *sql.DB
	log logx.Logger

	now func() time.Time
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PruneFinished removes campaigns and surveys that finished more than
// olderThan ago. Survey choices and answers go with their survey.
func (s *Store) PruneFinished(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := msOf(s.now().Add(-olderThan))
	total := 0
	for _, table := range []string{"campaigns", "surveys"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE finished = 1 AND finished_at > 0 AND finished_at < ?`, table),
			cutoff,
		)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
	}
	if total > 0 {
		s.log.Info("pruned finished campaigns", logx.Int("count", total))
	}
	return total, nil
}

// SetClock replaces the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func msOf(t time.Time) int64 { return t.UTC().UnixMilli() }

func timeOfMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// likePrefix builds a LIKE pattern matching strings starting with prefix,
// escaping the LIKE metacharacters.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
