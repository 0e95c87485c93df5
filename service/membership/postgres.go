package membership

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const participantsSQL = `SELECT user_id FROM conversation_members WHERE conversation_id = $1`

// Postgres reads conversation_members(conversation_id, user_id).
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres ping")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) GetConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, participantsSQL, conversationID)
	if err != nil {
		return nil, errors.Wrapf(err, "query participants conv=%s", conversationID)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrapf(err, "scan participants conv=%s", conversationID)
	}
	return users, nil
}

func (p *Postgres) Close() { p.pool.Close() }
