// Package models defines the persistent user record of the contact database:
// credentials, groups, per-contact data and the four membership lists.
package models

import (
	"slices"
	"time"

	"github.com/dmitrijs2005/gophmsn/internal/protocol"
)

// DefaultGroup is group 0 of every user. It is stored in its wire form.
const DefaultGroup = "Other%20Contacts"

// Contact is what a user knows about one of their contacts.
type Contact struct {
	Groups []int  `json:"groups"`
	Phone  string `json:"phone,omitempty"`
}

// User is one account. Username is the unique key.
type User struct {
	Username  string                         `json:"username"`
	Nickname  string                         `json:"nickname"`
	Salt      string                         `json:"salt"`
	PassKey   string                         `json:"key"`
	Phone     string                         `json:"phone,omitempty"`
	Groups    []string                       `json:"groups"`
	Contacts  map[string]*Contact            `json:"contacts"`
	Lists     map[protocol.ListName][]string `json:"lists"`
	CreatedAt time.Time                      `json:"created_at"`
}

// ContactInfo is a contact as reported to clients: the contact's own
// nickname plus the owner's grouping data.
type ContactInfo struct {
	Username string
	Nickname string
	Groups   []int
	Phone    string
}

// NewUser returns a record with the default group and empty lists.
func NewUser(username, nickname, salt, passKey string) *User {
	u := &User{
		Username:  username,
		Nickname:  nickname,
		Salt:      salt,
		PassKey:   passKey,
		CreatedAt: time.Now().UTC(),
	}
	u.Normalize()
	return u
}

// Normalize fills in whatever a decoded record may be missing so the rest of
// the code can rely on non-nil maps and the default group.
func (u *User) Normalize() {
	if len(u.Groups) == 0 {
		u.Groups = []string{DefaultGroup}
	}
	if u.Contacts == nil {
		u.Contacts = map[string]*Contact{}
	}
	if u.Lists == nil {
		u.Lists = map[protocol.ListName][]string{}
	}
	for _, l := range protocol.AllLists {
		if u.Lists[l] == nil {
			u.Lists[l] = []string{}
		}
	}
	for _, c := range u.Contacts {
		if c.Groups == nil {
			c.Groups = []int{}
		}
	}
}

// Clone returns a deep copy. Mutations are always made on a clone which is
// swapped in only after it has been persisted.
func (u *User) Clone() *User {
	c := *u
	c.Groups = slices.Clone(u.Groups)
	c.Contacts = make(map[string]*Contact, len(u.Contacts))
	for name, ct := range u.Contacts {
		cc := *ct
		cc.Groups = slices.Clone(ct.Groups)
		c.Contacts[name] = &cc
	}
	c.Lists = make(map[protocol.ListName][]string, len(u.Lists))
	for l, names := range u.Lists {
		c.Lists[l] = slices.Clone(names)
	}
	return &c
}

// InList reports whether name is a member of list l.
func (u *User) InList(l protocol.ListName, name string) bool {
	return slices.Contains(u.Lists[l], name)
}

// AddToList appends name to l and makes sure a contact entry exists.
// It returns false when name was already there.
func (u *User) AddToList(l protocol.ListName, name string) bool {
	if u.InList(l, name) {
		return false
	}
	u.EnsureContact(name)
	u.Lists[l] = append(u.Lists[l], name)
	return true
}

// RemoveFromList drops name from l. The contact entry is kept so that
// grouping survives a later re-add.
func (u *User) RemoveFromList(l protocol.ListName, name string) bool {
	i := slices.Index(u.Lists[l], name)
	if i < 0 {
		return false
	}
	u.Lists[l] = slices.Delete(u.Lists[l], i, i+1)
	return true
}

// EnsureContact returns the contact entry for name, creating one in the
// default group if needed.
func (u *User) EnsureContact(name string) *Contact {
	c, ok := u.Contacts[name]
	if !ok {
		c = &Contact{Groups: []int{0}}
		u.Contacts[name] = c
	}
	return c
}

// HasGroup reports whether g is a valid group index.
func (u *User) HasGroup(g int) bool {
	return g >= 0 && g < len(u.Groups)
}

// DeleteGroup removes group g and renumbers the memberships of every contact:
// g is dropped, higher indices shift down by one and a contact left without
// any group falls back to group 0. g must be a valid index other than 0.
func (u *User) DeleteGroup(g int) {
	u.Groups = slices.Delete(u.Groups, g, g+1)
	for _, c := range u.Contacts {
		had := len(c.Groups) > 0
		groups := c.Groups[:0]
		for _, cg := range c.Groups {
			switch {
			case cg == g:
			case cg > g:
				groups = append(groups, cg-1)
			default:
				groups = append(groups, cg)
			}
		}
		if had && len(groups) == 0 {
			groups = append(groups, 0)
		}
		c.Groups = groups
	}
}

// Forget removes every trace of name from the lists and contacts.
func (u *User) Forget(name string) bool {
	changed := false
	for _, l := range protocol.AllLists {
		if u.RemoveFromList(l, name) {
			changed = true
		}
	}
	if _, ok := u.Contacts[name]; ok {
		delete(u.Contacts, name)
		changed = true
	}
	return changed
}
