// Package users persists user records for the contact database. Backends:
// a JSON document on disk, PostgreSQL or SQLite tables, and an S3 bucket
// with one object per user.
package users

import (
	"context"

	"github.com/dmitrijs2005/gophmsn/internal/server/models"
)

// Repository is the durable side of the contact database. The in-memory
// store loads everything once at start-up and afterwards writes through
// Save and Delete; Get serves the administration tool.
//
// Save must persist all given records or none of them where the backend
// allows it; a returned error means the caller keeps its previous state.
type Repository interface {
	Load(ctx context.Context) (map[string]*models.User, error)
	Get(ctx context.Context, username string) (*models.User, error)
	Save(ctx context.Context, users ...*models.User) error
	Delete(ctx context.Context, usernames ...string) error
}
