package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS store_nodes (
	path   TEXT PRIMARY KEY,
	parent TEXT NOT NULL,
	seq    BIGSERIAL,
	value  JSONB
);
CREATE INDEX IF NOT EXISTS store_nodes_parent_seq_idx ON store_nodes (parent, seq);
`

const postgresChannel = "store_changes"

// PostgresStore implements Store on a single adjacency table. Every write runs
// in a SERIALIZABLE transaction; serialization failures are retried, which
// gives Transact its check-and-set guarantee. Changes are announced with
// pg_notify and picked up by a shared LISTEN connection.
type PostgresStore struct {
	db         *sql.DB
	dsn        string
	maxRetries int
	logger     *slog.Logger

	watch      *watchers
	listenOnce sync.Once
	listener   *pq.Listener
}

func NewPostgresStore(dsn string, maxRetries int, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if maxRetries <= 0 {
		maxRetries = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, dsn: dsn, maxRetries: maxRetries, logger: logger, watch: newWatchers()}, nil
}

// Migrate creates the node table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, postgresSchema)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *PostgresStore) read(ctx context.Context, q querier, path string) (Snapshot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT path, value FROM store_nodes
		 WHERE path = $1 OR left(path, length($1) + 1) = $1 || '/'
		 ORDER BY seq`, path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("postgres read %s: %w", path, err)
	}
	defer rows.Close()

	root := newNode()
	index := map[string]*node{path: root}
	var get func(string) *node
	get = func(p string) *node {
		if n, ok := index[p]; ok {
			return n
		}
		n := newNode()
		index[p] = n
		parent, key := parentOf(p)
		pn := get(parent)
		pn.children[key] = n
		pn.order = append(pn.order, key)
		return n
	}
	for rows.Next() {
		var (
			nodePath string
			value    []byte
		)
		if err := rows.Scan(&nodePath, &value); err != nil {
			return Snapshot{}, fmt.Errorf("postgres scan: %w", err)
		}
		if value != nil {
			get(nodePath).value = json.RawMessage(value)
		} else {
			get(nodePath)
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("postgres rows: %w", err)
	}
	return root.snapshot(path), nil
}

func (p *PostgresStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, err
	}
	return p.read(ctx, p.db, path)
}

func (p *PostgresStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	var listenErr error
	p.listenOnce.Do(func() { listenErr = p.startListener() })
	if listenErr != nil {
		return nil, listenErr
	}
	return p.watch.add(ctx, path, fn, p.Get, p.logger), nil
}

func (p *PostgresStore) startListener() error {
	p.listener = pq.NewListener(p.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("postgres listener event", "event", ev, "error", err)
		}
	})
	if err := p.listener.Listen(postgresChannel); err != nil {
		return fmt.Errorf("postgres listen: %w", err)
	}
	go func() {
		for n := range p.listener.Notify {
			// nil is sent after a reconnect; notifications may have been lost
			if n == nil {
				p.watch.resync()
				continue
			}
			p.watch.changed(n.Extra)
		}
	}()
	return nil
}

func (p *PostgresStore) Append(ctx context.Context, path string, value any) (string, error) {
	key := NewKey()
	if err := p.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (p *PostgresStore) Set(ctx context.Context, path string, value any) error {
	return p.Transact(ctx, path, func(Snapshot) ([]Mutation, error) {
		return []Mutation{SetOp(path, value)}, nil
	})
}

func (p *PostgresStore) Remove(ctx context.Context, path string) error {
	return p.Transact(ctx, path, func(Snapshot) ([]Mutation, error) {
		return []Mutation{RemoveOp(path)}, nil
	})
}

func (p *PostgresStore) Transact(ctx context.Context, path string, fn TxFunc) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		err := p.tryTransact(ctx, path, fn)
		if isSerializationFailure(err) {
			p.logger.Debug("postgres transaction conflict", "path", path, "attempt", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("%s: %w", path, ErrConflict)
}

func (p *PostgresStore) tryTransact(ctx context.Context, path string, fn TxFunc) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := p.read(ctx, tx, path)
	if err != nil {
		return err
	}
	muts, err := fn(cur)
	if err != nil {
		return err
	}
	if err := checkMutations(path, muts); err != nil {
		return err
	}
	for _, m := range muts {
		if err := p.apply(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) apply(ctx context.Context, tx *sql.Tx, m Mutation) error {
	var raw json.RawMessage
	if m.Kind == OpSet {
		var err error
		if raw, err = encode(m.Value); err != nil {
			return err
		}
	}
	if raw == nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM store_nodes WHERE path = $1 OR left(path, length($1) + 1) = $1 || '/'`, m.Path); err != nil {
			return fmt.Errorf("postgres delete %s: %w", m.Path, err)
		}
	} else {
		all := ancestors(m.Path)
		for _, a := range all[:len(all)-1] {
			parent, _ := parentOf(a)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO store_nodes (path, parent) VALUES ($1, $2) ON CONFLICT (path) DO NOTHING`, a, parent); err != nil {
				return fmt.Errorf("postgres link %s: %w", a, err)
			}
		}
		parent, _ := parentOf(m.Path)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_nodes (path, parent, value) VALUES ($1, $2, $3)
			 ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value`, m.Path, parent, string(raw)); err != nil {
			return fmt.Errorf("postgres upsert %s: %w", m.Path, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, postgresChannel, m.Path); err != nil {
		return fmt.Errorf("postgres notify: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func (p *PostgresStore) Close() error {
	p.watch.closeAll()
	if p.listener != nil {
		_ = p.listener.Close()
	}
	return p.db.Close()
}
