package auth

import (
	"encoding/csv"
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"golang.org/x/crypto/bcrypt"
)

// Users is a bcrypt password table backed by a CSV file.
type Users struct {
	mu   sync.RWMutex
	path string
	sl   [][]string // sorted by user
}

// LoadUsers reads the users file at path. A missing file yields an empty table.
func LoadUsers(path string) (*Users, error) {
	u := &Users{path: path}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return u, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	if u.sl, err = r.ReadAll(); err != nil {
		return nil, err
	}
	sort.Slice(u.sl, func(i, j int) bool { return u.sl[i][0] < u.sl[j][0] })
	return u, nil
}

func (u *Users) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.sl)
}

func (u *Users) search(user string) int {
	return sort.Search(len(u.sl), func(i int) bool {
		return u.sl[i][0] >= user
	})
}

// SetPassword adds the user or replaces its password.
func (u *Users) SetPassword(user, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	i := u.search(user)
	switch {
	case i < len(u.sl) && u.sl[i][0] == user:
		u.sl[i][1] = string(hash)
	case i < len(u.sl):
		u.sl = append(u.sl[:i+1], u.sl[i:]...)
		u.sl[i] = []string{user, string(hash)}
	default:
		u.sl = append(u.sl, []string{user, string(hash)})
	}
	return nil
}

// RemoveUser deletes the user if present.
func (u *Users) RemoveUser(user string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if i := u.search(user); i < len(u.sl) && u.sl[i][0] == user {
		u.sl = append(u.sl[:i], u.sl[i+1:]...)
	}
}

// Flush writes the table back to its file.
func (u *Users) Flush() error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	f, err := os.OpenFile(u.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return csv.NewWriter(f).WriteAll(u.sl)
}

// Authenticate checks the password and returns a logon failure if it does not match.
func (u *Users) Authenticate(user, password string) error {
	u.mu.RLock()
	i := u.search(user)
	var hash []byte
	if i < len(u.sl) && u.sl[i][0] == user {
		hash = []byte(u.sl[i][1])
	}
	u.mu.RUnlock()

	if hash == nil || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return rfc.NewError(rfc.KindLogon, "name or password is incorrect")
	}
	return nil
}
