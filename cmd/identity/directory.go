package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Profile is the identity a relay participant presents.
type Profile struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	// Guest marks a profile synthesized for an unknown username.
	Guest bool `json:"guest,omitempty"`
}

// Label returns the display name, or the username when none is set.
func (p Profile) Label() string {
	if strings.TrimSpace(p.DisplayName) != "" {
		return p.DisplayName
	}
	return p.Username
}

// Directory resolves usernames to profiles.
type Directory interface {
	// Lookup resolves username (case-insensitive). Unknown users yield ErrNotFound unless the
	// directory admits guests.
	Lookup(ctx context.Context, username string) (Profile, error)
	// List returns every registered profile ordered by username.
	List(ctx context.Context) ([]Profile, error)
}

// GuestProfile is the profile of an unregistered but well-formed username.
func GuestProfile(username string) (Profile, error) {
	name, err := ValidateUsername("identity.GuestProfile", username)
	if err != nil {
		return Profile{}, err
	}
	return guest(name), nil
}

func guest(name string) Profile { return Profile{Username: name, DisplayName: name, Guest: true} }

// DemoProfiles is the seed used by development setups.
func DemoProfiles() []Profile {
	return []Profile{
		{Username: "alice", DisplayName: "Alice Johnson"},
		{Username: "bob", DisplayName: "Bob Smith"},
		{Username: "carol", DisplayName: "Carol Davis"},
	}
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	guests bool

	mu    sync.RWMutex
	users map[string]Profile
}

// NewStaticDirectory builds a directory from profiles. With guests set, unknown but well-formed
// usernames resolve to a guest profile whose display name is the username.
func NewStaticDirectory(guests bool, profiles ...Profile) (*StaticDirectory, error) {
	d := &StaticDirectory{guests: guests, users: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := d.Register(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register adds p. A username that is already registered is a ConflictError.
func (d *StaticDirectory) Register(p Profile) error {
	const op = "identity.Register"

	name, err := ValidateUsername(op, p.Username)
	if err != nil {
		return err
	}
	p.Username = name
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Guest = false

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[name]; ok {
		return ConflictError{Op: op, Field: "username"}
	}
	d.users[name] = p
	return nil
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(ctx context.Context, username string) (Profile, error) {
	const op = "identity.Lookup"

	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	name, err := ValidateUsername(op, username)
	if err != nil {
		return Profile{}, err
	}

	d.mu.RLock()
	p, ok := d.users[name]
	d.mu.RUnlock()
	if ok {
		return p, nil
	}
	if d.guests {
		return guest(name), nil
	}
	return Profile{}, NotFoundError{Op: op, Resource: "user"}
}

// List implements Directory.
func (d *StaticDirectory) List(ctx context.Context) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	out := make([]Profile, 0, len(d.users))
	for _, p := range d.users {
		out = append(out, p)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
