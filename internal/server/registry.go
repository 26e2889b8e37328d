package server

import (
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/comigor/crm-query-widget/internal/controller"
	"github.com/comigor/crm-query-widget/internal/conversation"
	"github.com/comigor/crm-query-widget/internal/logger"
)

var (
	ErrInstanceNotFound = errors.New("widget instance not found")
	ErrInvalidInstance  = errors.New("invalid widget instance id")
	ErrRateLimited      = errors.New("too many widget mounts")
)

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Instance is one mounted widget: a page load with its own conversation.
type Instance struct {
	ID   string
	Ctrl *controller.Controller

	hub      *hub
	lastSeen atomic.Int64
}

func (i *Instance) touch(now time.Time) {
	i.lastSeen.Store(now.UnixNano())
}

func (i *Instance) idleSince() time.Time {
	return time.Unix(0, i.lastSeen.Load())
}

// View receives every change to one instance's conversation and input.
type View interface {
	conversation.View
	controller.View
}

// Factory builds the controller for a new instance wired to view.
type Factory func(id string, view View) *controller.Controller

// Registry holds the mounted instances. Mounting the same id twice returns
// the existing instance.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance

	factory Factory
	ttl     time.Duration
	limiter *rate.Limiter
	now     func() time.Time
}

// NewRegistry creates a registry. Idle instances older than ttl are evicted
// by Sweep; limiter throttles new mounts and may be nil.
func NewRegistry(factory Factory, ttl time.Duration, limiter *rate.Limiter) *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		factory:   factory,
		ttl:       ttl,
		limiter:   limiter,
		now:       time.Now,
	}
}

// Mount returns the instance for id, creating it when needed. An empty id
// gets a generated one. created reports whether a new instance was made.
func (r *Registry) Mount(id string) (inst *Instance, created bool, err error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !instanceIDPattern.MatchString(id) {
		return nil, false, ErrInvalidInstance
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instances[id]; ok {
		existing.touch(r.now())
		return existing, false, nil
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return nil, false, ErrRateLimited
	}

	h := newHub()
	inst = &Instance{ID: id, Ctrl: r.factory(id, h), hub: h}
	inst.touch(r.now())
	r.instances[id] = inst
	logger.L.Info("widget mounted", "instance", id)
	return inst, true, nil
}

// Get looks up a mounted instance and marks it as seen.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	inst.touch(r.now())
	return inst, nil
}

// Unmount drops an instance. A question still in flight resolves into the
// detached conversation and is discarded with it.
func (r *Registry) Unmount(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()

	if !ok {
		return ErrInstanceNotFound
	}
	inst.hub.closeAll()
	logger.L.Info("widget unmounted", "instance", id)
	return nil
}

// Len returns the number of mounted instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Sweep evicts instances that have no open event stream, are not waiting on
// the query service and were last seen more than ttl ago.
func (r *Registry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var evicted []*Instance
	for id, inst := range r.instances {
		if inst.hub.subscribers() > 0 || inst.Ctrl.State() != controller.StateIdle {
			continue
		}
		if inst.idleSince().Before(cutoff) {
			delete(r.instances, id)
			evicted = append(evicted, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range evicted {
		inst.hub.closeAll()
	}
	if len(evicted) > 0 {
		logger.L.Info("evicted idle widget instances", "count", len(evicted))
	}
	return len(evicted)
}

// Wait blocks until every in-flight question has resolved.
func (r *Registry) Wait() {
	r.mu.Lock()
	insts := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.mu.Unlock()

	for _, inst := range insts {
		inst.Ctrl.Wait()
	}
}
