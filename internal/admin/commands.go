package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
)

var (
	ErrUsage       = errors.New("usage")
	ErrUserExists  = errors.New("user already exists")
	ErrUnknownUser = errors.New("no such user")
)

const usage = `Commands:
  add <user> [nickname]    create an account (prompts for the password)
  del <user>               delete an account and every reference to it
  passwd <user>            set a new password
  nick <user> <nickname>   set the display name
  phone <user> [number]    set or clear the phone number
  lookup <number>          find accounts by phone number
  groups <user>            list groups
  lists <user>             print the FL, AL, BL and RL
  show <user>              print the stored record
  list                     list every account`

type command struct {
	minArgs int
	run     func(a *App, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"add":    {1, (*App).add},
	"del":    {1, (*App).del},
	"passwd": {1, (*App).passwd},
	"nick":   {2, (*App).nick},
	"phone":  {1, (*App).phone},
	"lookup": {1, (*App).lookup},
	"groups": {1, (*App).groups},
	"lists":  {1, (*App).lists},
	"show":   {1, (*App).show},
	"list":   {0, (*App).list},
}

// Exec runs one command given as its name followed by its arguments.
func (a *App) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "help" {
		fmt.Fprintln(a.out, usage)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}
	if len(args)-1 < cmd.minArgs {
		return fmt.Errorf("%w: %s needs %d argument(s)", ErrUsage, args[0], cmd.minArgs)
	}
	return cmd.run(a, ctx, args[1:])
}

func (a *App) requireUser(ctx context.Context, username string) error {
	if !a.db.CheckUsername(ctx, username) {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return nil
}

func (a *App) add(ctx context.Context, args []string) error {
	username := args[0]
	if !protocol.IsEmail(username) {
		return fmt.Errorf("%w: %s", contactdb.ErrInvalidUsername, username)
	}
	if a.db.CheckUsername(ctx, username) {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	nick := ""
	if len(args) > 1 {
		nick = protocol.Escape(strings.Join(args[1:], " "))
	}

	pw, err := GetPassword(a.reader, a.out)
	if err != nil {
		return err
	}
	ok, err := a.db.AddUser(ctx, username, pw, nick)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	fmt.Fprintf(a.out, "added %s\n", username)
	return nil
}

func (a *App) del(ctx context.Context, args []string) error {
	ok, err := a.db.RemoveUser(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, args[0])
	}
	fmt.Fprintf(a.out, "deleted %s\n", args[0])
	return nil
}

func (a *App) passwd(ctx context.Context, args []string) error {
	if err := a.requireUser(ctx, args[0]); err != nil {
		return err
	}
	pw, err := GetPassword(a.reader, a.out)
	if err != nil {
		return err
	}
	return a.db.ResetPassword(ctx, args[0], pw)
}

func (a *App) nick(ctx context.Context, args []string) error {
	if err := a.requireUser(ctx, args[0]); err != nil {
		return err
	}
	return a.db.SetNickname(ctx, args[0], protocol.Escape(strings.Join(args[1:], " ")))
}

func (a *App) phone(ctx context.Context, args []string) error {
	if err := a.requireUser(ctx, args[0]); err != nil {
		return err
	}
	return a.db.SetPhone(ctx, args[0], strings.Join(args[1:], " "))
}

func (a *App) lookup(ctx context.Context, args []string) error {
	for _, u := range a.db.UsernamesByPhone(ctx, strings.Join(args, " ")) {
		fmt.Fprintln(a.out, u)
	}
	return nil
}

func (a *App) groups(ctx context.Context, args []string) error {
	names, err := a.db.GroupNames(ctx, args[0])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownUser, args[0])
	}
	for i, n := range names {
		fmt.Fprintf(a.out, "%d\t%s\n", i, protocol.Unescape(n))
	}
	return nil
}

func (a *App) lists(ctx context.Context, args []string) error {
	if err := a.requireUser(ctx, args[0]); err != nil {
		return err
	}
	for _, l := range protocol.AllLists {
		contacts, err := a.db.ContactsInList(ctx, args[0], l)
		if err != nil {
			return err
		}
		names := make([]string, len(contacts))
		for i, c := range contacts {
			names[i] = c.Username
		}
		fmt.Fprintf(a.out, "%s: %s\n", l, strings.Join(names, " "))
	}
	return nil
}

func (a *App) show(ctx context.Context, args []string) error {
	u, err := a.repo.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnknownUser, args[0], err)
	}
	fmt.Fprintf(a.out, "Username: %s\n", u.Username)
	fmt.Fprintf(a.out, "Nickname: %s\n", protocol.Unescape(u.Nickname))
	fmt.Fprintf(a.out, "Phone: %s\n", u.Phone)
	fmt.Fprintf(a.out, "Groups: %d\n", len(u.Groups))
	fmt.Fprintf(a.out, "Contacts: %d\n", len(u.Contacts))
	fmt.Fprintf(a.out, "Created: %s\n", u.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func (a *App) list(ctx context.Context, _ []string) error {
	for _, u := range a.db.Usernames(ctx) {
		fmt.Fprintln(a.out, u)
	}
	return nil
}
