// Package registry holds the set of currently registered chat users.
//
// Every operation runs under a single RWMutex and completes without
// blocking on I/O, so the registry can be shared by all session handlers.
// Fan-out callers take a copy of the recipients and deliver after the
// lock is released.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aeolun/sistchat/pkg/protocol"
)

var (
	ErrAlreadyExists = errors.New("user already exists")
	ErrRegistryFull  = errors.New("registry is full")
	ErrInvalidName   = errors.New("invalid username")
	ErrNotFound      = errors.New("user not found")
)

// Handle delivers a message to the session that owns a registration.
// Deliver must not block; it is called without the registry lock held.
type Handle interface {
	Deliver(msg protocol.Message) error
}

// Entry is one registered user. The pointer returned by Register is the
// caller's proof of ownership and is what Release expects back.
type Entry struct {
	Name   string
	State  protocol.UserState
	IP     string
	Port   uint16
	Handle Handle
}

// Summary is the read-only view of an entry used for listings.
type Summary struct {
	Name  string             `json:"name"`
	State protocol.UserState `json:"state"`
	IP    string             `json:"ip"`
	Port  uint16             `json:"port"`
}

// Filter selects entries for Snapshot.
type Filter struct {
	all  bool
	name string
}

// All matches every entry.
func All() Filter { return Filter{all: true} }

// Exact matches the entry with exactly this name.
func Exact(name string) Filter { return Filter{name: name} }

// Registry maps usernames to live entries.
type Registry struct {
	mu       sync.RWMutex
	users    map[string]*Entry
	maxUsers int
}

// New creates a registry holding at most maxUsers entries (0 = unlimited).
func New(maxUsers int) *Registry {
	if maxUsers < 0 {
		maxUsers = 0
	}
	return &Registry{
		users:    make(map[string]*Entry),
		maxUsers: maxUsers,
	}
}

// Register atomically checks that name is free and inserts a new ACTIVE
// entry for it.
func (r *Registry) Register(name, ip string, port uint16, handle Handle) (*Entry, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	if r.maxUsers > 0 && len(r.users) >= r.maxUsers {
		return nil, ErrRegistryFull
	}

	e := &Entry{
		Name:   name,
		State:  protocol.StateActive,
		IP:     ip,
		Port:   port,
		Handle: handle,
	}
	r.users[name] = e
	return e, nil
}

// Unregister removes name if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, name)
}

// Release removes e only if it is still the live entry for its name.
// Calling it twice, or after the name was reused, is a no-op.
func (r *Registry) Release(e *Entry) bool {
	if e == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.users[e.Name]; ok && cur == e {
		delete(r.users, e.Name)
		return true
	}
	return false
}

// Find returns a copy of the entry for name.
func (r *Registry) Find(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.users[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns the entries matching f, sorted by name.
func (r *Registry) Snapshot(f Filter) []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !f.all {
		e, ok := r.users[f.name]
		if !ok {
			return []Summary{}
		}
		return []Summary{summarize(e)}
	}

	out := make([]Summary, 0, len(r.users))
	for _, e := range r.users {
		out = append(out, summarize(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Recipients returns copies of every entry except exclude.
func (r *Registry) Recipients(exclude string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.users))
	for name, e := range r.users {
		if name == exclude {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// SetState changes the presence state of name.
func (r *Registry) SetState(name string, state protocol.UserState) error {
	if !state.Valid() {
		return protocol.ErrInvalidUserState
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	e.State = state
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func summarize(e *Entry) Summary {
	return Summary{
		Name:  e.Name,
		State: e.State,
		IP:    e.IP,
		Port:  e.Port,
	}
}
