// Package coordinator implements the relay coordinator: the account
// registry, the task ledger, performance statistics, the offline mailbox and
// the loops that dispatch jobs and deliver results.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/relay/internal/balancer"
	"github.com/dreamware/relay/internal/cluster"
)

// ErrAccountNotFound is returned when an id does not name a known account.
var ErrAccountNotFound = errors.New("account not found")

// FirstAccountID is the id minted for the first account of a fresh registry.
const FirstAccountID = 1

// Account is a node known to the coordinator, either a worker that runs jobs
// or a user that submits them.
//
// Accounts are identified by ID alone. The location is updated every time
// the node re-announces itself, and Performance holds the latest STATS
// report of a worker (nil until the first one arrives).
//
// Thread Safety:
// The registry hands out copies. Mutating a returned Account has no effect
// on the registry.
type Account struct {
	// ID is assigned by the registry and never changes.
	ID int `json:"id"`

	// Location is where the node accepts coordinator connections.
	Location cluster.Location `json:"location"`

	// Role decides whether the account joins the worker or the user subset.
	Role cluster.Role `json:"role"`

	// Performance is the last reported load snapshot, replaced wholesale.
	Performance *cluster.Performance `json:"performance,omitempty"`
}

func (a Account) String() string {
	return fmt.Sprintf("%s#%d@%s", a.Role, a.ID, a.Location)
}

func (a *Account) clone() Account {
	out := *a
	if a.Performance != nil {
		p := *a.Performance
		out.Performance = &p
	}
	return out
}

// AccountRegistry is the authoritative record of every node that has ever
// contacted the coordinator, plus the subset of workers currently believed
// reachable (the active workers) and the subset of users.
//
// Accounts are never removed. A worker leaves the active subset when a
// delivery to it fails and rejoins it when it re-announces itself with SYNC.
//
// Thread Safety:
// All methods are safe for concurrent use. Ingestion handlers write while the
// dispatch and redelivery loops read.
//
// Example:
//
//	reg := NewAccountRegistry()
//	w, _ := reg.ResolveOrCreate(cluster.NullID, cluster.Location{Host: "10.0.0.5", Port: 7001}, cluster.RoleWorker)
//	reg.ActiveWorkers() // [w]
//	reg.Evict(w.ID)
//	reg.ActiveWorkers() // []
type AccountRegistry struct {
	accounts map[int]*Account // id -> account
	order    []int            // ids in creation order
	active   []int            // active worker ids in join order
	users    []int            // user ids in creation order
	changed  chan struct{}    // closed and replaced on every relevant change
	nextID   int              // next id to mint
	mu       sync.RWMutex     // protects all of the above
}

// NewAccountRegistry creates an empty registry minting ids from FirstAccountID.
func NewAccountRegistry() *AccountRegistry {
	return &AccountRegistry{
		accounts: make(map[int]*Account),
		changed:  make(chan struct{}),
		nextID:   FirstAccountID,
	}
}

// Resolve returns the account with the given id.
//
// Returns:
//   - the account copy on success
//   - ErrAccountNotFound if the id was never assigned
func (r *AccountRegistry) Resolve(id int) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	return a.clone(), nil
}

// ResolveOrCreate records a node announcing itself.
//
// If id names an existing account its location is updated and, when role is
// RoleWorker, it is put back into the active subset (at most once). Any other
// id, including cluster.NullID, mints a new account with the next sequential
// id, which is what the node must use from then on.
//
// Returns the account and whether it was newly created.
func (r *AccountRegistry) ResolveOrCreate(id int, loc cluster.Location, role cluster.Role) (Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.accounts[id]; ok {
		a.Location = loc
		if role == cluster.RoleWorker && r.activate(a.ID) {
			r.notify()
		}
		return a.clone(), false
	}

	a := &Account{ID: r.nextID, Location: loc, Role: role}
	r.nextID++
	r.accounts[a.ID] = a
	r.order = append(r.order, a.ID)
	switch role {
	case cluster.RoleWorker:
		r.activate(a.ID)
		r.notify()
	case cluster.RoleUser:
		r.users = append(r.users, a.ID)
	}
	return a.clone(), true
}

// activate adds id to the active subset and reports whether it was absent.
// Callers hold the write lock.
func (r *AccountRegistry) activate(id int) bool {
	if slices.Contains(r.active, id) {
		return false
	}
	r.active = append(r.active, id)
	return true
}

// notify wakes everyone waiting on Changed. Callers hold the write lock.
func (r *AccountRegistry) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Changed returns a channel that is closed the next time a worker joins the
// active subset or reports its performance.
func (r *AccountRegistry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

// UpdatePerformance replaces the account's load snapshot.
func (r *AccountRegistry) UpdatePerformance(id int, perf cluster.Performance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	a.Performance = &perf
	r.notify()
	return nil
}

// Evict removes a worker from the active subset. It reports whether the
// worker was active.
func (r *AccountRegistry) Evict(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.active, id)
	if i < 0 {
		return false
	}
	r.active = slices.Delete(r.active, i, i+1)
	return true
}

func (r *AccountRegistry) collect(ids []int) []Account {
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.accounts[id].clone())
	}
	return out
}

// ActiveWorkers returns the active workers in the order they joined.
func (r *AccountRegistry) ActiveWorkers() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.active)
}

// Accounts returns every account in creation order.
func (r *AccountRegistry) Accounts() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.order)
}

// Users returns the user accounts in creation order.
func (r *AccountRegistry) Users() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.users)
}

// IsActive reports whether id is in the active worker subset.
func (r *AccountRegistry) IsActive(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.active, id)
}

// Len is the number of accounts ever created.
func (r *AccountRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// workerViews converts accounts to the view the balancer policies take.
func workerViews(accounts []Account) []balancer.Worker {
	out := make([]balancer.Worker, len(accounts))
	for i, a := range accounts {
		out[i] = balancer.Worker{ID: a.ID, Performance: a.Performance}
	}
	return out
}

// registryState is the serialisable form of an AccountRegistry.
type registryState struct {
	Accounts []Account `json:"accounts"`
	Active   []int     `json:"active"`
	NextID   int       `json:"next_id"`
}

func (r *AccountRegistry) snapshot() registryState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return registryState{
		Accounts: r.collect(r.order),
		Active:   slices.Clone(r.active),
		NextID:   r.nextID,
	}
}

func (r *AccountRegistry) restore(st registryState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.accounts = make(map[int]*Account, len(st.Accounts))
	r.order, r.users, r.active = nil, nil, nil
	next := FirstAccountID
	for i := range st.Accounts {
		a := st.Accounts[i]
		if _, dup := r.accounts[a.ID]; dup {
			return fmt.Errorf("duplicate account %d in snapshot", a.ID)
		}
		r.accounts[a.ID] = &a
		r.order = append(r.order, a.ID)
		if a.Role == cluster.RoleUser {
			r.users = append(r.users, a.ID)
		}
		if a.ID >= next {
			next = a.ID + 1
		}
	}
	for _, id := range st.Active {
		if _, ok := r.accounts[id]; !ok {
			return fmt.Errorf("active worker %d missing from snapshot", id)
		}
		r.activate(id)
	}
	r.nextID = max(st.NextID, next)
	r.notify()
	return nil
}
