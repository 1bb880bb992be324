// Package filestore persists collections as JSON documents on disk,
// one file per collection. Writes go through a temp file and rename so
// a crash never leaves a half-written document behind.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	identitydomain "github.com/crestdata/crest/internal/identity/domain"
	platformdomain "github.com/crestdata/crest/internal/platform/domain"
	tenantdomain "github.com/crestdata/crest/internal/tenant/domain"
	"go.uber.org/zap"
)

// Store is a directory of JSON collection files.
type Store struct {
	mu  sync.Mutex
	dir string
	log *zap.Logger
}

// New ensures dir exists and returns a Store rooted there.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir, log: logger.Named("store.file")}, nil
}

func (s *Store) read(name string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) write(name string, in any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// Users stores the user collection in users.json.
type Users struct{ s *Store }

func NewUsers(s *Store) *Users { return &Users{s: s} }

func (u *Users) Load() ([]identitydomain.User, error) {
	var docs []identitydomain.UserRecord
	if _, err := u.s.read("users.json", &docs); err != nil {
		return nil, err
	}
	out := make([]identitydomain.User, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.ToUser())
	}
	return out, nil
}

func (u *Users) Save(users []identitydomain.User) error {
	docs := make([]identitydomain.UserRecord, 0, len(users))
	for _, usr := range users {
		docs = append(docs, usr.Record())
	}
	return u.s.write("users.json", docs)
}

// Companies stores the company collection in companies.json.
type Companies struct{ s *Store }

func NewCompanies(s *Store) *Companies { return &Companies{s: s} }

func (c *Companies) Load() ([]tenantdomain.Company, error) {
	var out []tenantdomain.Company
	if _, err := c.s.read("companies.json", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Companies) Save(companies []tenantdomain.Company) error {
	return c.s.write("companies.json", companies)
}

// Memberships stores membership links in memberships.json.
type Memberships struct{ s *Store }

func NewMemberships(s *Store) *Memberships { return &Memberships{s: s} }

func (m *Memberships) Load() ([]tenantdomain.Membership, error) {
	var out []tenantdomain.Membership
	if _, err := m.s.read("memberships.json", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memberships) Save(members []tenantdomain.Membership) error {
	return m.s.write("memberships.json", members)
}

// Invitations stores invitations in invitations.json.
type Invitations struct{ s *Store }

func NewInvitations(s *Store) *Invitations { return &Invitations{s: s} }

func (i *Invitations) Load() ([]tenantdomain.Invitation, error) {
	var out []tenantdomain.Invitation
	if _, err := i.s.read("invitations.json", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *Invitations) Save(invites []tenantdomain.Invitation) error {
	return i.s.write("invitations.json", invites)
}

// Settings stores the single global settings record.
type Settings struct{ s *Store }

func NewSettings(s *Store) *Settings { return &Settings{s: s} }

func (g *Settings) Load() (platformdomain.GlobalSettings, bool, error) {
	var out platformdomain.GlobalSettings
	found, err := g.s.read("global_settings.json", &out)
	if err != nil {
		return platformdomain.GlobalSettings{}, false, err
	}
	return out, found, nil
}

func (g *Settings) Save(settings platformdomain.GlobalSettings) error {
	return g.s.write("global_settings.json", settings)
}
