// Package admin is the user administration tool: it edits accounts in the
// configured user store while the server is stopped.
package admin

import (
	"bufio"
	"io"

	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
	"github.com/dmitrijs2005/gophmsn/internal/server/repositories/users"
)

type App struct {
	db     *contactdb.Store
	repo   users.Repository
	reader *bufio.Reader
	out    io.Writer
}

// NewApp returns a tool editing db. repo is the store db was loaded from;
// it is read directly by "show".
func NewApp(db *contactdb.Store, repo users.Repository, in io.Reader, out io.Writer) *App {
	return &App{db: db, repo: repo, reader: bufio.NewReader(in), out: out}
}
