// Package identity answers who-is-who questions for the engine and the
// notification matcher: role and department membership, reporting lines,
// channel addresses and capabilities.
package identity

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/workorder/model"
)

// User is one directory entry.
type User struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Dept    string   `yaml:"dept"`
	Manager string   `yaml:"manager"`
	Roles   []string `yaml:"roles"`
	Email   string   `yaml:"email"`
	Phone   string   `yaml:"phone"`
	Feishu  string   `yaml:"feishu"`
}

type directoryFile struct {
	Users []User              `yaml:"users"`
	Roles map[string][]string `yaml:"roles"`
}

type snapshot struct {
	users  map[string]User
	byRole map[string][]string
	byDept map[string][]string
	caps   map[string][]string
}

// StaticDirectory serves identity data from a YAML file. The file lists users
// and maps role names to capability strings.
type StaticDirectory struct {
	path string
	mu   sync.RWMutex
	snap snapshot
}

// NewStaticDirectory loads the directory at path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDirectory builds a directory from in-memory data. Used by tests and by
// deployments that have no directory file.
func NewDirectory(users []User, roleCaps map[string][]string) *StaticDirectory {
	d := &StaticDirectory{}
	d.snap = buildSnapshot(directoryFile{Users: users, Roles: roleCaps})
	return d
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("identity: reading directory %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("identity: parsing directory %s: %w", d.path, err)
	}
	for i, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("identity: directory %s: users[%d] has no id", d.path, i)
		}
	}

	snap := buildSnapshot(f)
	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()
	return nil
}

func buildSnapshot(f directoryFile) snapshot {
	s := snapshot{
		users:  make(map[string]User, len(f.Users)),
		byRole: make(map[string][]string),
		byDept: make(map[string][]string),
		caps:   f.Roles,
	}
	if s.caps == nil {
		s.caps = map[string][]string{}
	}
	for _, u := range f.Users {
		s.users[u.ID] = u
		for _, r := range u.Roles {
			s.byRole[r] = append(s.byRole[r], u.ID)
		}
		if u.Dept != "" {
			s.byDept[u.Dept] = append(s.byDept[u.Dept], u.ID)
		}
	}
	for _, ids := range s.byRole {
		sort.Strings(ids)
	}
	for _, ids := range s.byDept {
		sort.Strings(ids)
	}
	return s
}

// User returns the entry for id.
func (d *StaticDirectory) User(id string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.snap.users[id]
	return u, ok
}

// UsersInRole returns the ids holding role, sorted.
func (d *StaticDirectory) UsersInRole(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.snap.byRole[role]...), nil
}

// UsersInDept returns the ids in dept, sorted.
func (d *StaticDirectory) UsersInDept(_ context.Context, dept string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.snap.byDept[dept]...), nil
}

// ManagerOf returns the manager of userID.
func (d *StaticDirectory) ManagerOf(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.users[userID].Manager, nil
}

// Address returns userID's address on ch. Webhook deliveries are addressed by
// the notification config, never by the user.
func (d *StaticDirectory) Address(_ context.Context, userID string, ch model.Channel) (string, error) {
	d.mu.RLock()
	u, ok := d.snap.users[userID]
	d.mu.RUnlock()
	if !ok {
		return "", nil
	}
	switch ch {
	case model.ChannelEmail:
		return u.Email, nil
	case model.ChannelSMS:
		return u.Phone, nil
	case model.ChannelFeishu:
		return u.Feishu, nil
	}
	return "", nil
}

// ResolveCapabilities returns the union of capabilities granted to the roles
// carried by the token and the roles recorded for the subject.
func (d *StaticDirectory) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	caps := make(model.CapabilitySet)
	grant := func(role string) {
		for _, c := range d.snap.caps[role] {
			caps[c] = true
		}
	}
	for _, role := range rctx.Roles {
		grant(role)
	}
	for _, role := range d.snap.users[rctx.SubjectID].Roles {
		grant(role)
	}
	return caps, nil
}
