package quota

import (
	"context"
	"sync"

	"github.com/math12studio/assistant/internal/storage"
)

// RecordKey is the fixed key of the persisted quota record.
const RecordKey = "chat-quota"

// Key returns the record key for identity.
func Key(identity string) string {
	if identity == "" {
		return RecordKey
	}
	return RecordKey + ":" + identity
}

// Registry hands out one Ledger per identity so that every identity has a
// single writer, however many sessions it has open.
type Registry struct {
	mu      sync.Mutex
	store   storage.KV
	policy  Policy
	opts    []Option
	ledgers map[string]*Ledger
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store storage.KV, policy Policy, opts ...Option) *Registry {
	return &Registry{
		store:   store,
		policy:  policy,
		opts:    opts,
		ledgers: make(map[string]*Ledger),
	}
}

// Ledger returns the identity's ledger, opening it on first use.
func (r *Registry) Ledger(ctx context.Context, identity string) (*Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.ledgers[identity]; ok {
		return l, nil
	}

	l, err := Open(ctx, r.store, Key(identity), r.policy, r.opts...)
	if err != nil {
		return nil, err
	}
	r.ledgers[identity] = l
	return l, nil
}

// Policy returns the policy new ledgers are opened with.
func (r *Registry) Policy() Policy {
	return r.policy
}
