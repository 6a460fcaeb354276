package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DuplicateServiceError reports a second service claiming a registered id.
type DuplicateServiceError struct {
	ID       uint16
	Existing string
	Name     string
}

func (e *DuplicateServiceError) Error() string {
	return fmt.Sprintf("plugin: service id %d already registered by %q, cannot register %q", e.ID, e.Existing, e.Name)
}

// Registry holds service instances by id.
type Registry struct {
	mu       sync.RWMutex
	services map[uint16]serviceEntry
}

// serviceEntry holds an instance and its identity, read once at
// registration.
type serviceEntry struct {
	service Service
	info    ServiceInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[uint16]serviceEntry)}
}

// Register reads the service identity and adds it to the registry.
// Registering a second service with the same id fails.
func (r *Registry) Register(ctx context.Context, svc Service) (ServiceInfo, error) {
	id, err := svc.ID(ctx)
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("read service id: %w", err)
	}
	name, err := svc.Name(ctx)
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("read name of service %d: %w", id, err)
	}
	info := ServiceInfo{ID: id, Name: name}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.services[id]; exists {
		return ServiceInfo{}, &DuplicateServiceError{ID: id, Existing: existing.info.Name, Name: name}
	}
	r.services[id] = serviceEntry{service: svc, info: info}
	return info, nil
}

// Get returns a service by id.
func (r *Registry) Get(id uint16) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[id]
	if !ok {
		return nil, false
	}
	return entry.service, true
}

// List returns all registered service ids in ascending order.
func (r *Registry) List() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint16, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Info returns the ServiceInfo for a registered service.
func (r *Registry) Info(id uint16) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[id]
	if !ok {
		return ServiceInfo{}, false
	}
	return entry.info, true
}

// AllInfo returns ServiceInfo for all registered services, ordered by id.
func (r *Registry) AllInfo() []ServiceInfo {
	ids := r.List()

	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ServiceInfo, 0, len(ids))
	for _, id := range ids {
		if entry, ok := r.services[id]; ok {
			infos = append(infos, entry.info)
		}
	}
	return infos
}

// Count returns the number of registered services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// IsRegistered checks if a service id is registered.
func (r *Registry) IsRegistered(id uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[id]
	return ok
}

// Close closes every registered service and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.services {
		entry.service.Close()
		delete(r.services, id)
	}
}
