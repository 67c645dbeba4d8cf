package codesystem

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type tokenRepoPG struct{ db queryable }

// NewTokenRepoPG returns a TokenRepository backed by the code_system_token table.
func NewTokenRepoPG(pool *pgxpool.Pool) TokenRepository {
	return &tokenRepoPG{db: pool}
}

func (r *tokenRepoPG) Save(ctx context.Context, tok *StoredToken) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO code_system_token (code_system, access_token, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (code_system) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()`,
		tok.CodeSystem, tok.AccessToken, tok.Expiry)
	if err != nil {
		return fmt.Errorf("save token for %s: %w", tok.CodeSystem, err)
	}
	return nil
}

func (r *tokenRepoPG) List(ctx context.Context) ([]*StoredToken, error) {
	rows, err := r.db.Query(ctx,
		`SELECT code_system, access_token, expires_at, updated_at FROM code_system_token ORDER BY code_system`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*StoredToken
	for rows.Next() {
		var t StoredToken
		if err := rows.Scan(&t.CodeSystem, &t.AccessToken, &t.Expiry, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}
