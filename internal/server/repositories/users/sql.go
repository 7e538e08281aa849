package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophmsn/internal/common"
	"github.com/dmitrijs2005/gophmsn/internal/dbx"
	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/models"
)

// document is the part of a user record kept as JSON in the document column.
type document struct {
	Groups    []string                       `json:"groups"`
	Contacts  map[string]*models.Contact     `json:"contacts"`
	Lists     map[protocol.ListName][]string `json:"lists"`
	CreatedAt time.Time                      `json:"created_at"`
}

const (
	selectUsers = `SELECT username, nickname, salt, pass_key, phone, document FROM users`

	selectUser = selectUsers + ` WHERE username = ?`

	upsertUser = `INSERT INTO users (username, nickname, salt, pass_key, phone, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (username) DO UPDATE SET
			nickname = excluded.nickname,
			salt = excluded.salt,
			pass_key = excluded.pass_key,
			phone = excluded.phone,
			document = excluded.document,
			updated_at = excluded.updated_at`

	deleteUser = `DELETE FROM users WHERE username = ?`
)

// SQLRepository stores users in the users table of a PostgreSQL or SQLite
// database. Scalar fields get their own columns (phone is indexed); groups,
// contacts and lists travel as one JSON document.
type SQLRepository struct {
	db      *sql.DB
	dialect dbx.Dialect
}

func NewSQLRepository(db *sql.DB, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) query(q string) string {
	return dbx.Rebind(r.dialect, q)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u     models.User
		phone sql.NullString
		doc   string
	)
	if err := row.Scan(&u.Username, &u.Nickname, &u.Salt, &u.PassKey, &phone, &doc); err != nil {
		return nil, err
	}
	u.Phone = phone.String

	var d document
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("decode document of %s: %w", u.Username, err)
	}
	u.Groups, u.Contacts, u.Lists, u.CreatedAt = d.Groups, d.Contacts, d.Lists, d.CreatedAt
	u.Normalize()
	return &u, nil
}

func (r *SQLRepository) Load(ctx context.Context) (map[string]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, r.query(selectUsers))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := map[string]*models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out[u.Username] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) Get(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, r.query(selectUser), username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *SQLRepository) Save(ctx context.Context, users ...*models.User) error {
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, u := range users {
			doc, err := json.Marshal(document{Groups: u.Groups, Contacts: u.Contacts, Lists: u.Lists, CreatedAt: u.CreatedAt})
			if err != nil {
				return err
			}
			var phone any
			if u.Phone != "" {
				phone = u.Phone
			}
			if _, err := tx.ExecContext(ctx, r.query(upsertUser),
				u.Username, u.Nickname, u.Salt, u.PassKey, phone, string(doc)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, usernames ...string) error {
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, name := range usernames {
			if _, err := tx.ExecContext(ctx, r.query(deleteUser), name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
