package store

import (
	"context"
	"slices"
)

// State is where an order stands in reconciliation.
type State string

const (
	// StatePending is the state of an order the store has no record of.
	StatePending        State = "pending"
	StateURLIssued      State = "url_issued"
	StateConfirmed      State = "confirmed"
	StateApproved       State = "approved"
	StateApprovalFailed State = "approval_failed"
	StateRejected       State = "rejected"
	StateFailed         State = "failed"
)

// Store holds one state per order id. CompareAndSwap is the only way to
// change it and must be atomic across every caller sharing the store.
type Store interface {
	Get(ctx context.Context, orderID string) (State, error)

	// CompareAndSwap moves orderID to next if its current state is one of
	// from. It returns the state observed before the swap and whether the
	// swap happened.
	CompareAndSwap(ctx context.Context, orderID string, from []State, next State) (State, bool, error)

	Close() error
}

func allowed(from []State, current State) bool {
	return slices.Contains(from, current)
}

func stateNames(states []State) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}
