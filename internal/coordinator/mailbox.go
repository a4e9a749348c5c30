package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/relay/internal/cluster"
)

// Parcel is a message held for an account that could not be reached.
type Parcel struct {
	ID       uuid.UUID       `json:"id"`
	Account  int             `json:"account"`
	Message  cluster.Message `json:"message"`
	ParkedAt time.Time       `json:"parked_at"`
}

// Mailbox holds undeliverable messages per account until the account
// reconnects. Each account's parcels form a set: parking a message whose
// content equals one already held is a no-op.
type Mailbox struct {
	parcels map[int][]Parcel
	mu      sync.Mutex
}

func NewMailbox() *Mailbox {
	return &Mailbox{parcels: make(map[int][]Parcel)}
}

// Park stores msg for account. It reports false if an identical message was
// already parked.
func (m *Mailbox) Park(account int, msg cluster.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msg.Key()
	for _, p := range m.parcels[account] {
		if p.Message.Key() == key {
			return false
		}
	}
	m.parcels[account] = append(m.parcels[account], Parcel{
		ID:       uuid.New(),
		Account:  account,
		Message:  msg,
		ParkedAt: time.Now(),
	})
	return true
}

// Pending returns the account's parcels in parking order.
func (m *Mailbox) Pending(account int) []Parcel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Parcel, len(m.parcels[account]))
	copy(out, m.parcels[account])
	return out
}

// Remove drops one parcel after it was delivered.
func (m *Mailbox) Remove(account int, id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.parcels[account]
	for i, p := range list {
		if p.ID == id {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(m.parcels, account)
			} else {
				m.parcels[account] = list
			}
			return true
		}
	}
	return false
}

// Has reports whether anything is parked for account.
func (m *Mailbox) Has(account int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.parcels[account]) > 0
}

// All returns every parcel, ordered by account then parking order.
func (m *Mailbox) All() []Parcel {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make([]int, 0, len(m.parcels))
	for id := range m.parcels {
		accounts = append(accounts, id)
	}
	sort.Ints(accounts)

	var out []Parcel
	for _, id := range accounts {
		out = append(out, m.parcels[id]...)
	}
	return out
}

// Len is the total number of parked parcels.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.parcels {
		n += len(list)
	}
	return n
}

func (m *Mailbox) restore(parcels []Parcel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parcels = make(map[int][]Parcel)
	for _, p := range parcels {
		m.parcels[p.Account] = append(m.parcels[p.Account], p)
	}
}
