package worker

import (
	"context"
	"slices"
	"strconv"
	"sync/atomic"

	"seedkeeper/internal/storage"
)

// Access answers who may run privileged commands: configured owners always,
// plus admins kept in storage.
type Access struct {
	owners atomic.Pointer[[]string]
	store  storage.Store
}

func NewAccess(owners []int64, store storage.Store) *Access {
	if store == nil {
		store = storage.Nop{}
	}
	a := &Access{store: store}
	a.SetOwners(owners)
	return a
}

// SetOwners replaces the owner list. Safe to call during hot reload.
func (a *Access) SetOwners(owners []int64) {
	ids := make([]string, 0, len(owners))
	for _, o := range owners {
		ids = append(ids, strconv.FormatInt(o, 10))
	}
	a.owners.Store(&ids)
}

func (a *Access) IsOwner(userID string) bool {
	return slices.Contains(*a.owners.Load(), userID)
}

// IsPrivileged reports owners and stored admins. A storage error counts as
// not privileged.
func (a *Access) IsPrivileged(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	if a.IsOwner(userID) {
		return true
	}
	ok, err := a.store.IsAdmin(ctx, userID)
	return err == nil && ok
}
