package wasm

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Pool hands out guest instances of one module, one caller at a time per
// instance. At most size instances exist at once; Get blocks until one is
// free or ctx is done.
type Pool struct {
	manager    *InstanceManager
	moduleName string
	logger     *zap.Logger

	slots chan struct{}
	idle  chan *Instance

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool for moduleName. size <= 0 uses the runtime's
// MaxInstances.
func NewPool(manager *InstanceManager, moduleName string, size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = manager.runtime.config.MaxInstances
	}
	if size <= 0 {
		size = 1
	}

	return &Pool{
		manager:    manager,
		moduleName: moduleName,
		logger:     logger.With(zap.String("component", "wasm-pool"), zap.String("module", moduleName)),
		slots:      make(chan struct{}, size),
		idle:       make(chan *Instance, size),
	}
}

// Get checks out an instance, creating one when none is idle. A closed
// pool returns errPoolClosed.
func (p *Pool) Get(ctx context.Context) (*Instance, error) {
	if p.isClosed() {
		return nil, errPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if p.isClosed() {
		<-p.slots
		return nil, errPoolClosed
	}

	if inst := p.takeIdle(); inst != nil {
		return inst, nil
	}

	inst, err := p.manager.Instantiate(ctx, &InstanceConfig{ModuleName: p.moduleName})
	if err != nil {
		<-p.slots
		return nil, err
	}
	return inst, nil
}

// takeIdle pops the first live idle instance, discarding closed ones.
func (p *Pool) takeIdle() *Instance {
	for {
		select {
		case inst := <-p.idle:
			if !inst.Closed() {
				return inst
			}
		default:
			return nil
		}
	}
}

// Put returns an instance to the pool. Closed instances are dropped.
func (p *Pool) Put(ctx context.Context, inst *Instance) {
	defer func() { <-p.slots }()

	if p.isClosed() || inst.Closed() {
		if err := inst.Close(ctx); err != nil {
			p.logger.Warn("Failed to close instance", zap.String("instance_id", inst.ID), zap.Error(err))
		}
		return
	}

	select {
	case p.idle <- inst:
	default:
		inst.Close(ctx)
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Parse checks out an instance, parses sql with it and returns it.
func (p *Pool) Parse(ctx context.Context, sql string) (string, error) {
	inst, err := p.Get(ctx)
	if err != nil {
		return "", err
	}
	defer p.Put(ctx, inst)

	return inst.Parse(ctx, sql)
}

// Close closes all idle instances. Instances still checked out are closed
// when they are returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var errs error
	for {
		select {
		case inst := <-p.idle:
			errs = multierr.Append(errs, inst.Close(ctx))
		default:
			return errs
		}
	}
}
