package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PostgresAdvisory grants the lease through a session-scoped advisory lock
// on a dedicated connection. The lock is released explicitly, or by
// Postgres when the connection dies.
type PostgresAdvisory struct {
	db      *sql.DB
	lockKey int64
	log     *zap.Logger
}

func NewPostgresAdvisory(db *sql.DB, name string) *PostgresAdvisory {
	return &PostgresAdvisory{db: db, lockKey: KeyID(name), log: zap.NewNop()}
}

func (p *PostgresAdvisory) WithLogger(log *zap.Logger) *PostgresAdvisory {
	p.log = log
	return p
}

func (p *PostgresAdvisory) TryAcquire(ctx context.Context) (func(), bool, error) {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("dedicated connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", p.lockKey).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("advisory lock query: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		// Unlock even when the caller's context is already cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", p.lockKey); err != nil {
			p.log.Warn("lease: advisory unlock failed", zap.Int64("lock_key", p.lockKey), zap.Error(err))
		}
		conn.Close()
	}
	return release, true, nil
}
