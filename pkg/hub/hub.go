package hub

import (
	"context"
	"sync"

	"github.com/giongto35/cloud-relay/pkg/api"
)

// Hub caches the inventory of a Store.
// Heartbeats go straight to the store, readers see the list as of the last Load.
type Hub struct {
	store Store

	mu   sync.RWMutex
	list []api.Computer
}

func New(store Store) *Hub { return &Hub{store: store} }

func (h *Hub) AddOrUpdate(ctx context.Context, c api.Computer) error {
	_, err := h.store.AddOrUpdate(ctx, c)
	return err
}

// Load refreshes the cached list from the store.
func (h *Hub) Load(ctx context.Context) error {
	list, err := h.store.List(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.list = list
	h.mu.Unlock()
	return nil
}

// ComputerList returns a copy of the cached list.
func (h *Hub) ComputerList() []api.Computer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]api.Computer(nil), h.list...)
}

func (h *Hub) Close() error { return h.store.Close() }
