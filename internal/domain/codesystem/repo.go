package codesystem

import (
	"context"
	"time"
)

// StoredToken is a persisted bearer token for one code system.
type StoredToken struct {
	CodeSystem  string
	AccessToken string
	Expiry      time.Time
	UpdatedAt   time.Time
}

// TokenRepository persists bearer tokens so they survive restarts.
type TokenRepository interface {
	Save(ctx context.Context, tok *StoredToken) error
	List(ctx context.Context) ([]*StoredToken, error)
}
