// Package contactdb is the contact database: user records with credentials,
// groups and the four membership lists, kept in memory behind a single
// reader/writer lock and written through to a users.Repository. It also
// tracks which connection currently represents each online user.
package contactdb

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/models"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrGroupExists     = errors.New("group already exists")
	ErrDefaultGroup    = errors.New("default group cannot be removed")
	ErrInvalidGroup    = errors.New("invalid group")
	ErrNotContact      = errors.New("not a contact")
	ErrAlreadyInGroup  = errors.New("contact already in group")
	ErrNotInGroup      = errors.New("contact not in group")
	ErrInvalidUsername = errors.New("invalid username")
)

// Peer is the live connection bound to an online user.
type Peer interface {
	Username() string
	// Status is the presence status last set with CHG.
	Status() string
	Closed() bool
	// Tell injects an internal command into the peer's worker. It never
	// blocks; a full inbox is reported as an error.
	Tell(name string, args ...string) error
	// Send writes a line to the peer.
	Send(line string) error
}

// Database is everything the protocol stages need from the contact store.
type Database interface {
	CheckUsername(ctx context.Context, username string) bool
	AddUser(ctx context.Context, username, password, nickname string) (bool, error)
	RemoveUser(ctx context.Context, username string) (bool, error)
	ResetPassword(ctx context.Context, username, password string) error
	Salt(ctx context.Context, username string) (string, error)
	CheckResponse(ctx context.Context, username, response string) bool

	Nickname(ctx context.Context, username string) (string, error)
	SetNickname(ctx context.Context, username, nickname string) error
	Phone(ctx context.Context, username string) (string, error)
	SetPhone(ctx context.Context, username, phone string) error
	UsernamesByPhone(ctx context.Context, phone string) []string

	NewGroup(ctx context.Context, username, name string) (int, error)
	DeleteGroup(ctx context.Context, username string, group int) (bool, error)
	AddToGroup(ctx context.Context, username string, group int, contact string) error
	RemoveFromGroup(ctx context.Context, username string, group int, contact string) error
	GroupNames(ctx context.Context, username string) ([]string, error)

	AddToList(ctx context.Context, username, contact string, list protocol.ListName) (protocol.ListResult, error)
	AddToGroupedList(ctx context.Context, username, contact string, group int) (protocol.ListResult, error)
	RemoveFromList(ctx context.Context, username, contact string, list protocol.ListName) (protocol.ListResult, error)
	ContactsInList(ctx context.Context, username string, list protocol.ListName) ([]models.ContactInfo, error)

	Bind(username string, p Peer)
	Lookup(username string) Peer
	Unbind(username string, p Peer)
	SetSwitchboardAddr(addr string)
	SwitchboardAddr() string
}
