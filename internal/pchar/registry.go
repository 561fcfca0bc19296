package pchar

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// DefaultDevices matches the device count of the multi-device demo.
const DefaultDevices = 3

// DefaultNamePrefix names instances pchar0, pchar1, ...
const DefaultNamePrefix = "pchar"

// Instance is one device: a queue, its blocking endpoint, its control
// channel and the guard serialising sessions.
type Instance struct {
	index    int
	name     string
	queue    *Queue
	endpoint *Endpoint
	control  *ControlChannel
	guard    *Guard
}

// Index returns the instance position in its registry.
func (i *Instance) Index() int { return i.index }

// Name returns the instance name, e.g. "pchar0".
func (i *Instance) Name() string { return i.name }

// Queue returns the instance queue.
func (i *Instance) Queue() *Queue { return i.queue }

// Endpoint returns the blocking endpoint of the instance queue.
func (i *Instance) Endpoint() *Endpoint { return i.endpoint }

// Control returns the administrative channel. It does not need the guard.
func (i *Instance) Control() *ControlChannel { return i.control }

// Guard returns the session guard.
func (i *Instance) Guard() *Guard { return i.guard }

// Options configures registry creation. Zero values use defaults.
type Options struct {
	Devices     int            // 0 = DefaultDevices
	Capacity    int            // 0 = DefaultCapacity
	MaxCapacity int            // 0 = DefaultMaxCapacity
	NamePrefix  string         // "" = DefaultNamePrefix
	Allocator   Allocator      // nil = RingAllocator
	Logger      *logrus.Logger // nil = no-op logger
}

// Registry owns N independent device instances indexed 0..N-1.
//
// Construction is all-or-nothing and teardown runs in reverse creation order.
type Registry struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	instances []*Instance
	closed    bool

	byName   *hashmap.Map[string, *Instance]
	sessions *hashmap.Map[uint64, *Session]
}

// NewRegistry creates every instance or none: when instance k fails,
// instances k-1..0 are destroyed before the error is returned.
func NewRegistry(opts *Options) (*Registry, error) {
	if opts == nil {
		opts = &Options{}
	}
	devices := opts.Devices
	if devices == 0 {
		devices = DefaultDevices
	}
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	prefix := opts.NamePrefix
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	if devices < 0 {
		return nil, fmt.Errorf("%w: device count must be > 0, got %d", ErrInvalidArgument, devices)
	}

	r := &Registry{
		logger:    logger,
		instances: make([]*Instance, 0, devices),
		byName:    hashmap.New[string, *Instance](),
		sessions:  hashmap.New[uint64, *Session](),
	}

	logger.WithFields(logrus.Fields{"devices": devices, "capacity": capacity}).Info("registry init")
	for i := 0; i < devices; i++ {
		inst, err := newInstance(i, prefix, capacity, opts, logger)
		if err != nil {
			logger.WithError(err).WithField("index", i).Error("instance creation failed, unwinding")
			r.teardown()
			return nil, fmt.Errorf("create device %d: %w", i, err)
		}
		r.instances = append(r.instances, inst)
		r.byName.Set(inst.name, inst)
	}
	logger.Info("registry init completed")
	return r, nil
}

func newInstance(index int, prefix string, capacity int, opts *Options, logger *logrus.Logger) (*Instance, error) {
	name := fmt.Sprintf("%s%d", prefix, index)
	q, err := NewQueue(capacity, &QueueOptions{
		Name:        name,
		MaxCapacity: opts.MaxCapacity,
		Allocator:   opts.Allocator,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &Instance{
		index:    index,
		name:     name,
		queue:    q,
		endpoint: NewEndpoint(q),
		control:  NewControlChannel(q, logger),
		guard:    NewGuard(),
	}, nil
}

// teardown destroys the created instances, newest first. It tolerates a
// partially built instance list and repeated calls.
func (r *Registry) teardown() {
	for i := len(r.instances) - 1; i >= 0; i-- {
		inst := r.instances[i]
		_ = inst.queue.Close()
		r.byName.Del(inst.name)
		r.logger.WithField("device", inst.name).Debug("instance destroyed")
	}
	r.instances = r.instances[:0]
}

// Close destroys every instance in reverse creation order. Sessions still
// open see ErrClosed on their next operation. Calling Close again is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.teardown()
	r.logger.Info("registry teardown completed")
	return nil
}

// Len returns the number of instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Device returns instance index.
func (r *Registry) Device(index int) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	if index < 0 || index >= len(r.instances) {
		return nil, fmt.Errorf("%w: index %d (have %d)", ErrNoDevice, index, len(r.instances))
	}
	return r.instances[index], nil
}

// Lookup returns the instance with the given name.
func (r *Registry) Lookup(name string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	inst, ok := r.byName.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDevice, name)
	}
	return inst, nil
}

// Devices returns the instances in index order.
func (r *Registry) Devices() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

// Open starts a session on instance index, blocking while another session
// holds it. The session must be closed to release the device.
func (r *Registry) Open(ctx context.Context, index int, owner string) (*Session, error) {
	inst, err := r.Device(index)
	if err != nil {
		return nil, err
	}

	id, err := inst.guard.Acquire(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inst.name, err)
	}
	s := newSession(id, owner, inst, r)
	r.sessions.Set(uint64(id), s)

	r.logger.WithFields(logrus.Fields{
		"device":  inst.name,
		"session": id,
		"owner":   owner,
	}).Info("device lock acquired")
	return s, nil
}

// OpenByName is Open addressed by instance name.
func (r *Registry) OpenByName(ctx context.Context, name string, owner string) (*Session, error) {
	inst, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return r.Open(ctx, inst.index, owner)
}

// Sessions returns the open sessions ordered by id.
func (r *Registry) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, r.sessions.Len())
	r.sessions.Range(func(_ uint64, s *Session) bool {
		out = append(out, s.Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) release(s *Session) error {
	r.sessions.Del(uint64(s.id))
	if err := s.inst.guard.Release(s.id); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"device":  s.inst.name,
		"session": s.id,
		"owner":   s.owner,
	}).Info("device lock released")
	return nil
}
