package users

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/gophmsn/internal/common"
	"github.com/dmitrijs2005/gophmsn/internal/dbx"
	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/migrations"
)

func newRepoWithMock(t *testing.T) (*SQLRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewSQLRepository(db, dbx.Postgres), mock, db
}

func pg(q string) string {
	return "^" + regexp.QuoteMeta(dbx.Rebind(dbx.Postgres, q)) + "$"
}

const docJSON = `{"groups":["Other%20Contacts"],"contacts":{},"lists":{"FL":[],"AL":[],"BL":[],"RL":[]},"created_at":"0001-01-01T00:00:00Z"}`

func TestSQL_Get_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"username", "nickname", "salt", "pass_key", "phone", "document"}).
		AddRow("alice@example.com", "Alice", "salt", "key", "+15550001", docJSON)
	mock.ExpectQuery(pg(selectUser)).WithArgs("alice@example.com").WillReturnRows(rows)

	got, err := repo.Get(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Nickname)
	assert.Equal(t, "+15550001", got.Phone)
	assert.Equal(t, []string{"Other%20Contacts"}, got.Groups)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_Get_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(pg(selectUser)).WithArgs("ghost@example.com").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestSQL_Get_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(pg(selectUser)).WithArgs("alice@example.com").WillReturnError(errors.New("db err"))

	_, err := repo.Get(context.Background(), "alice@example.com")
	require.Error(t, err)
	assert.Regexp(t, `db error: .*db err`, err.Error())
}

func TestSQL_Load_NullPhone(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"username", "nickname", "salt", "pass_key", "phone", "document"}).
		AddRow("alice@example.com", "Alice", "s1", "k1", nil, docJSON).
		AddRow("bob@example.com", "Bob", "s2", "k2", nil, `{}`)
	mock.ExpectQuery(pg(selectUsers)).WillReturnRows(rows)

	all, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Empty(t, all["alice@example.com"].Phone)
	assert.NotNil(t, all["bob@example.com"].Lists[protocol.ReverseList])
}

func TestSQL_Save_UpsertsInTransaction(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(pg(upsertUser)).
		WithArgs("alice@example.com", "Nick%20alice@example.com", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(pg(upsertUser)).
		WithArgs("carol@example.com", "Nick%20carol@example.com", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), sampleUser("alice@example.com"), sampleUser("carol@example.com")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_Save_RollsBackOnError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(pg(upsertUser)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(pg(upsertUser)).WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), sampleUser("alice@example.com"), sampleUser("carol@example.com"))
	require.Error(t, err)
	assert.Regexp(t, `db error: .*constraint`, err.Error())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_Delete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(pg(deleteUser)).WithArgs("alice@example.com").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Delete(context.Background(), "alice@example.com"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()

	db, err := sql.Open("sqlite", "file:users_roundtrip?mode=memory&cache=shared")
	require.NoError(t, err)
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	require.NoError(t, goose.SetDialect("sqlite3"))
	require.NoError(t, goose.UpContext(ctx, db, "sqlite"))

	repo := NewSQLRepository(db, dbx.SQLite)

	alice := sampleUser("alice@example.com")
	alice.Phone = "+15550001"
	require.NoError(t, repo.Save(ctx, alice, sampleUser("carol@example.com")))

	alice.Nickname = "Alice"
	require.NoError(t, repo.Save(ctx, alice))
	require.NoError(t, repo.Delete(ctx, "carol@example.com"))

	all, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	got := all["alice@example.com"]
	assert.Equal(t, "Alice", got.Nickname)
	assert.Equal(t, "+15550001", got.Phone)
	assert.Equal(t, []string{"Other%20Contacts", "Work"}, got.Groups)
	assert.Equal(t, []int{0, 1}, got.Contacts["bob@example.com"].Groups)
	assert.True(t, got.CreatedAt.Equal(alice.CreatedAt))

	_, err = repo.Get(ctx, "carol@example.com")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}
