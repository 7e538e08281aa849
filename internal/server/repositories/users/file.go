package users

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/dmitrijs2005/gophmsn/internal/common"
	"github.com/dmitrijs2005/gophmsn/internal/filex"
	"github.com/dmitrijs2005/gophmsn/internal/server/models"
)

// writeFile is a seam for testing failed writes.
var writeFile = func(path string, data []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// FileRepository keeps every user in a single JSON object keyed by username.
// Each change rewrites the file atomically, so a crash never leaves a torn
// document behind.
type FileRepository struct {
	mu    sync.Mutex
	path  string
	users map[string]*models.User
}

// NewFileRepository opens the document at path. A missing file is treated
// as an empty store and created on the first write; its directory is
// created up front.
func NewFileRepository(path string) (*FileRepository, error) {
	r := &FileRepository{path: path, users: map[string]*models.User{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := filex.EnsureParentDir(path); err != nil {
			return nil, fmt.Errorf("prepare user store: %w", err)
		}
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read user store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, &r.users); err != nil {
		return nil, fmt.Errorf("decode user store %s: %w", path, err)
	}
	for name, u := range r.users {
		if u == nil {
			delete(r.users, name)
			continue
		}
		u.Username = name
		u.Normalize()
	}
	return r, nil
}

func (r *FileRepository) Load(ctx context.Context) (map[string]*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*models.User, len(r.users))
	for name, u := range r.users {
		out[name] = u.Clone()
	}
	return out, nil
}

func (r *FileRepository) Get(ctx context.Context, username string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[username]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return u.Clone(), nil
}

func (r *FileRepository) Save(ctx context.Context, users ...*models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*models.User, len(r.users)+len(users))
	for name, u := range r.users {
		next[name] = u
	}
	for _, u := range users {
		next[u.Username] = u.Clone()
	}
	return r.commit(next)
}

func (r *FileRepository) Delete(ctx context.Context, usernames ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*models.User, len(r.users))
	for name, u := range r.users {
		next[name] = u
	}
	for _, name := range usernames {
		delete(next, name)
	}
	return r.commit(next)
}

func (r *FileRepository) commit(next map[string]*models.User) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user store: %w", err)
	}
	if err := writeFile(r.path, data); err != nil {
		return fmt.Errorf("write user store: %w", err)
	}
	r.users = next
	return nil
}
