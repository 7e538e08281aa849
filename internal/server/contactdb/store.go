package contactdb

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/dmitrijs2005/gophmsn/internal/common"
	"github.com/dmitrijs2005/gophmsn/internal/logging"
	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/models"
	"github.com/dmitrijs2005/gophmsn/internal/server/repositories/users"
)

const saltAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newSalt is a seam so tests can fix the challenge.
var newSalt = func() string {
	b := make([]byte, 16)
	for i := range b {
		b[i] = saltAlphabet[common.RandIntRange(0, int64(len(saltAlphabet)-1))]
	}
	return string(b)
}

// PassKey is the stored credential: hex MD5 of password followed by salt.
// The protocol fixes this digest; clients answer the challenge with it.
func PassKey(password, salt string) string {
	sum := md5.Sum([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// Store is the in-memory Database. Every mutation clones the affected
// records, persists the clones through the repository and swaps them in only
// when that succeeded, so a failed write leaves memory untouched.
type Store struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	repo      users.Repository
	provision map[string]struct{}
	logger    logging.Logger

	presence presence
}

var _ Database = (*Store)(nil)

// NewStore loads every record from repo. Unknown addresses in
// provisionDomains get an account created on first reference.
func NewStore(ctx context.Context, repo users.Repository, logger logging.Logger, provisionDomains []string) (*Store, error) {
	all, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}

	s := &Store{
		users:     all,
		repo:      repo,
		provision: make(map[string]struct{}, len(provisionDomains)),
		logger:    logger.With("module", "contactdb"),
		presence:  presence{peers: map[string]Peer{}},
	}
	for _, d := range provisionDomains {
		s.provision[strings.ToLower(d)] = struct{}{}
	}

	logger.Info(ctx, "contact database loaded", "users", len(all))
	return s, nil
}

// commit persists changed and swaps the records in. The caller holds the
// write lock.
func (s *Store) commit(ctx context.Context, changed ...*models.User) error {
	if err := s.repo.Save(ctx, changed...); err != nil {
		s.logger.Error(ctx, "persisting users failed", "error", err)
		return fmt.Errorf("persist: %w", err)
	}
	for _, u := range changed {
		s.users[u.Username] = u
	}
	return nil
}

func (s *Store) newUser(username, password, nickname string) *models.User {
	if nickname == "" {
		nickname = username
	}
	salt := newSalt()
	return models.NewUser(username, nickname, salt, PassKey(password, salt))
}

func (s *Store) CheckUsername(ctx context.Context, username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok
}

// AddUser creates an account. It returns false when the username is taken.
func (s *Store) AddUser(ctx context.Context, username, password, nickname string) (bool, error) {
	if !protocol.IsEmail(username) || strings.ContainsAny(username, " \t\r\n") {
		return false, ErrInvalidUsername
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; ok {
		return false, nil
	}
	if err := s.commit(ctx, s.newUser(username, password, nickname)); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveUser deletes an account and scrubs it from every other user's lists
// and contacts. It returns false when the user did not exist.
func (s *Store) RemoveUser(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; !ok {
		return false, nil
	}

	var changed []*models.User
	for name, u := range s.users {
		if name == username {
			continue
		}
		c := u.Clone()
		if c.Forget(username) {
			changed = append(changed, c)
		}
	}
	if len(changed) > 0 {
		if err := s.commit(ctx, changed...); err != nil {
			return false, err
		}
	}
	if err := s.repo.Delete(ctx, username); err != nil {
		s.logger.Error(ctx, "deleting user failed", "user", username, "error", err)
		return false, fmt.Errorf("persist: %w", err)
	}
	delete(s.users, username)
	return true, nil
}

// ResetPassword replaces the credential; the salt is regenerated with it.
func (s *Store) ResetPassword(ctx context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	c := u.Clone()
	c.Salt = newSalt()
	c.PassKey = PassKey(password, c.Salt)
	return s.commit(ctx, c)
}

func (s *Store) Salt(ctx context.Context, username string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return "", ErrUserNotFound
	}
	return u.Salt, nil
}

// CheckResponse compares a challenge response with the stored key. Hex case
// is ignored.
func (s *Store) CheckResponse(ctx context.Context, username, response string) bool {
	s.mu.RLock()
	u, ok := s.users[username]
	var key string
	if ok {
		key = u.PassKey
	}
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(key)), []byte(strings.ToLower(response))) == 1
}

func (s *Store) Nickname(ctx context.Context, username string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return "", ErrUserNotFound
	}
	return u.Nickname, nil
}

func (s *Store) SetNickname(ctx context.Context, username, nickname string) error {
	return s.update(ctx, username, func(u *models.User) error {
		u.Nickname = nickname
		return nil
	})
}

func (s *Store) Phone(ctx context.Context, username string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return "", ErrUserNotFound
	}
	return u.Phone, nil
}

// SetPhone sets the phone number; an empty number clears it.
func (s *Store) SetPhone(ctx context.Context, username, phone string) error {
	return s.update(ctx, username, func(u *models.User) error {
		u.Phone = phone
		return nil
	})
}

// UsernamesByPhone scans every record. Phone numbers are not unique.
func (s *Store) UsernamesByPhone(ctx context.Context, phone string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for name, u := range s.users {
		if phone != "" && u.Phone == phone {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Usernames lists every account, sorted.
func (s *Store) Usernames(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.users))
	for name := range s.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// update applies fn to a clone of the user's record and commits it.
func (s *Store) update(ctx context.Context, username string, fn func(u *models.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	c := u.Clone()
	if err := fn(c); err != nil {
		return err
	}
	return s.commit(ctx, c)
}

// NewGroup appends a group and returns its index.
func (s *Store) NewGroup(ctx context.Context, username, name string) (int, error) {
	idx := -1
	err := s.update(ctx, username, func(u *models.User) error {
		if slices.Contains(u.Groups, name) {
			return ErrGroupExists
		}
		u.Groups = append(u.Groups, name)
		idx = len(u.Groups) - 1
		return nil
	})
	if err != nil {
		return -1, err
	}
	return idx, nil
}

// DeleteGroup removes a group and migrates its members. It returns false
// when the group does not exist.
func (s *Store) DeleteGroup(ctx context.Context, username string, group int) (bool, error) {
	if group == 0 {
		return false, ErrDefaultGroup
	}
	found := false
	err := s.update(ctx, username, func(u *models.User) error {
		if !u.HasGroup(group) {
			return ErrInvalidGroup
		}
		u.DeleteGroup(group)
		found = true
		return nil
	})
	if errors.Is(err, ErrInvalidGroup) {
		return false, nil
	}
	return found, err
}

func (s *Store) AddToGroup(ctx context.Context, username string, group int, contact string) error {
	return s.update(ctx, username, func(u *models.User) error {
		if !u.HasGroup(group) {
			return ErrInvalidGroup
		}
		c, ok := u.Contacts[contact]
		if !ok {
			return ErrNotContact
		}
		if slices.Contains(c.Groups, group) {
			return ErrAlreadyInGroup
		}
		c.Groups = append(c.Groups, group)
		return nil
	})
}

func (s *Store) RemoveFromGroup(ctx context.Context, username string, group int, contact string) error {
	return s.update(ctx, username, func(u *models.User) error {
		if !u.HasGroup(group) {
			return ErrInvalidGroup
		}
		c, ok := u.Contacts[contact]
		if !ok {
			return ErrNotContact
		}
		i := slices.Index(c.Groups, group)
		if i < 0 {
			return ErrNotInGroup
		}
		c.Groups = slices.Delete(c.Groups, i, i+1)
		return nil
	})
}

func (s *Store) GroupNames(ctx context.Context, username string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return slices.Clone(u.Groups), nil
}

func (s *Store) provisionable(username string) bool {
	if !protocol.IsEmail(username) {
		return false
	}
	_, ok := s.provision[strings.ToLower(protocol.Domain(username))]
	return ok
}

// AddToList adds contact to the owner's list. Adding to FL also puts the
// owner on the contact's RL; both records are persisted in one write.
// Unknown contacts in an auto-provision domain get a minimal account first.
func (s *Store) AddToList(ctx context.Context, username, contact string, list protocol.ListName) (protocol.ListResult, error) {
	return s.addToList(ctx, username, contact, list, -1)
}

// AddToGroupedList adds contact to the owner's FL filed under group only,
// together with the RL mirror, in one write. A contact already on FL gains
// the group membership instead; ErrAlreadyInGroup when it has it.
func (s *Store) AddToGroupedList(ctx context.Context, username, contact string, group int) (protocol.ListResult, error) {
	if group < 0 {
		return protocol.Success, ErrInvalidGroup
	}
	return s.addToList(ctx, username, contact, protocol.ForwardList, group)
}

// addToList files a new FL contact under group when group >= 0.
func (s *Store) addToList(ctx context.Context, username, contact string, list protocol.ListName, group int) (protocol.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.users[username]
	if !ok {
		return protocol.NonexistentEmail, ErrUserNotFound
	}
	if group >= 0 && !owner.HasGroup(group) {
		return protocol.Success, ErrInvalidGroup
	}

	target, ok := s.users[contact]
	provisioned := false
	if !ok {
		if !s.provisionable(contact) {
			return protocol.NonexistentEmail, nil
		}
		secret, err := common.MakeRandHexString(16)
		if err != nil {
			return protocol.NonexistentEmail, err
		}
		target = s.newUser(contact, secret, "")
		provisioned = true
		s.logger.Debug(ctx, "provisioning user", "user", contact)
	}

	o := owner.Clone()
	if o.InList(list, contact) {
		if group < 0 {
			return protocol.AlreadyInList, nil
		}
		c := o.EnsureContact(contact)
		if slices.Contains(c.Groups, group) {
			return protocol.AlreadyInList, ErrAlreadyInGroup
		}
		c.Groups = append(c.Groups, group)
		if err := s.commit(ctx, o); err != nil {
			return protocol.Success, err
		}
		return protocol.Success, nil
	}
	if (list == protocol.AllowList && o.InList(protocol.BlockList, contact)) ||
		(list == protocol.BlockList && o.InList(protocol.AllowList, contact)) {
		return protocol.InAllowAndBlock, nil
	}
	o.AddToList(list, contact)
	if group >= 0 {
		o.Contacts[contact].Groups = []int{group}
	}

	changed := []*models.User{o}
	if list == protocol.ForwardList {
		t := o
		if contact != username {
			if !provisioned {
				target = target.Clone()
			}
			t = target
			changed = append(changed, t)
		}
		t.AddToList(protocol.ReverseList, username)
	} else if provisioned {
		changed = append(changed, target)
	}

	if err := s.commit(ctx, changed...); err != nil {
		return protocol.Success, err
	}
	return protocol.Success, nil
}

// RemoveFromList drops contact from the owner's list, and for FL the owner
// from the contact's RL.
func (s *Store) RemoveFromList(ctx context.Context, username, contact string, list protocol.ListName) (protocol.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.users[username]
	if !ok {
		return protocol.NonexistentEmail, ErrUserNotFound
	}
	target, ok := s.users[contact]
	if !ok {
		return protocol.NonexistentEmail, nil
	}

	o := owner.Clone()
	if !o.RemoveFromList(list, contact) {
		return protocol.UserNotInList, nil
	}

	changed := []*models.User{o}
	if list == protocol.ForwardList {
		t := o
		if contact != username {
			t = target.Clone()
			changed = append(changed, t)
		}
		t.RemoveFromList(protocol.ReverseList, username)
	}

	if err := s.commit(ctx, changed...); err != nil {
		return protocol.Success, err
	}
	return protocol.Success, nil
}

// ContactsInList returns the members of a list in list order.
func (s *Store) ContactsInList(ctx context.Context, username string, list protocol.ListName) ([]models.ContactInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}

	names := owner.Lists[list]
	out := make([]models.ContactInfo, 0, len(names))
	for _, name := range names {
		info := models.ContactInfo{Username: name, Nickname: name}
		if u, ok := s.users[name]; ok {
			info.Nickname = u.Nickname
		}
		if c, ok := owner.Contacts[name]; ok {
			info.Groups = slices.Clone(c.Groups)
			info.Phone = c.Phone
		}
		out = append(out, info)
	}
	return out, nil
}
