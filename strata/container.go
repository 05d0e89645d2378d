package strata

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Sync policy
// -----------------------------------------------------------------------------

// SyncMode is the policy under which a Container forces written data to
// durable storage.
type SyncMode int

const (
	// SyncNone never syncs implicitly. Callers sync through the backend.
	SyncNone SyncMode = iota

	// SyncOnFlush hands each Flush to the background worker and returns
	// without waiting for the sync to finish.
	SyncOnFlush

	// SyncOnFlushBlocking makes Flush wait until the sync has completed.
	SyncOnFlushBlocking

	// SyncOnClose syncs once, blocking, when the container is closed.
	SyncOnClose
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncOnFlush:
		return "on-flush"
	case SyncOnFlushBlocking:
		return "on-flush-blocking"
	case SyncOnClose:
		return "on-close"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// -----------------------------------------------------------------------------
// Container
// -----------------------------------------------------------------------------

type cmdOp int

const (
	cmdSync cmdOp = iota
	cmdExit
)

// command is one unit of work for the sync worker. done is nil for
// fire-and-forget syncs.
type command struct {
	op   cmdOp
	done chan error
}

// Container couples a Backend with a type registry and a single background
// sync worker. All syncs flow through the worker, so flushes issued by
// multiple goroutines never overlap, and Close observes every flush that
// was enqueued before it.
type Container struct {
	backend  Backend
	registry *Registry
	logger   *zap.Logger
	syncMode SyncMode

	cmds chan command
	exit sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	flushers sync.WaitGroup
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

// WithLogger sets the container logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ContainerOption {
	return func(c *Container) {
		c.logger = logger
	}
}

// WithSyncMode sets the sync policy. Defaults to SyncOnClose.
func WithSyncMode(mode SyncMode) ContainerOption {
	return func(c *Container) {
		c.syncMode = mode
	}
}

// Open creates a Container over the given backend and starts its sync
// worker. The container owns the backend; Close closes it.
func Open(backend Backend, opts ...ContainerOption) *Container {
	c := &Container{
		backend:  backend,
		logger:   zap.NewNop(),
		syncMode: SyncOnClose,
		cmds:     make(chan command, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = NewRegistry(backend, WithRegistryLogger(c.logger))

	c.exit.Add(1)
	go c.run()
	return c
}

// run is the sync worker. It is the only goroutine that calls
// backend.Sync, which keeps backends free of concurrent sync calls.
func (c *Container) run() {
	defer c.exit.Done()
	for cmd := range c.cmds {
		switch cmd.op {
		case cmdSync:
			err := c.backend.Sync(context.Background())
			if cmd.done != nil {
				cmd.done <- err
			} else if err != nil {
				c.logger.Warn("background sync failed", zap.Error(err))
			}
		case cmdExit:
			if cmd.done != nil {
				cmd.done <- nil
			}
			return
		}
	}
}

// Types returns the container's type registry.
func (c *Container) Types() *Registry {
	return c.registry
}

// Backend returns the underlying storage backend.
func (c *Container) Backend() Backend {
	return c.backend
}

// Flush applies the container's sync policy. Under SyncOnFlush the sync
// runs in the background and Flush returns once it is enqueued; under
// SyncOnFlushBlocking, Flush waits for the sync to complete. Other modes
// make Flush a no-op.
func (c *Container) Flush(ctx context.Context) error {
	// Register as an in-flight flusher under the same lock as the closed
	// check, so Close can wait for every flush that passed it.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.flushers.Add(1)
	c.mu.Unlock()
	defer c.flushers.Done()

	switch c.syncMode {
	case SyncOnFlush:
		return c.enqueue(ctx, command{op: cmdSync})
	case SyncOnFlushBlocking:
		return c.submit(ctx, cmdSync)
	default:
		return nil
	}
}

// Close drains the sync worker and closes the backend. Every sync enqueued
// before Close completes first; under SyncOnClose (and both flush modes) a
// final blocking sync runs before the backend is released.
func (c *Container) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	// Wait for flushes that passed the closed check before it was set.
	// Their commands are already in the queue, so they precede the exit
	// command and the worker observes them. The channel is never closed;
	// the worker exits on cmdExit.
	c.flushers.Wait()

	var syncErr error
	if c.syncMode != SyncNone {
		syncErr = c.submit(ctx, cmdSync)
	}
	if err := c.submit(ctx, cmdExit); err != nil && syncErr == nil {
		syncErr = err
	}
	c.exit.Wait()

	c.registry.Close()
	if err := c.backend.Close(); err != nil && syncErr == nil {
		syncErr = err
	}
	return syncErr
}

// enqueue hands a command to the worker without waiting for its result.
func (c *Container) enqueue(ctx context.Context, cmd command) error {
	select {
	case c.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit hands a command to the worker and waits for its result.
func (c *Container) submit(ctx context.Context, op cmdOp) error {
	done := make(chan error, 1)
	if err := c.enqueue(ctx, command{op: op, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -----------------------------------------------------------------------------
// Datasets
// -----------------------------------------------------------------------------

// CreateDataset creates a dataset of records of the given compound type.
func (c *Container) CreateDataset(ctx context.Context, path string, ct *CompoundType, extent DatasetExtent) error {
	if ct == nil || ct.Layout == nil {
		return fmt.Errorf("strata: dataset %q: compound type has no layout", path)
	}
	return c.backend.CreateDataset(ctx, path, ct.Layout.Size(), extent)
}

// NaturalBlocks returns an iterator over the dataset's natural blocks in
// row-major order, reading each block through the backend.
func (c *Container) NaturalBlocks(ctx context.Context, path string) (*BlockIterator, error) {
	extent, _, err := c.backend.DatasetExtent(ctx, path)
	if err != nil {
		return nil, err
	}
	read := func(ctx context.Context, offset []uint64, shape []uint32) ([]byte, error) {
		return c.backend.ReadBlock(ctx, path, offset, shape)
	}
	return newBlockIterator(extent, read), nil
}

// WriteRecords encodes records with the codec and writes them contiguously
// into a rank-1 dataset starting at offset. Nothing is written when any
// record fails to encode.
func (c *Container) WriteRecords(ctx context.Context, path string, codec *RecordCodec, offset uint64, records []any) error {
	extent, elemSize, err := c.backend.DatasetExtent(ctx, path)
	if err != nil {
		return err
	}
	if extent.Rank() != 1 {
		return fmt.Errorf("strata: dataset %q: record I/O needs rank 1, got rank %d", path, extent.Rank())
	}
	if elemSize != codec.Size() {
		return fmt.Errorf("strata: dataset %q: %w: element size %d, record size %d",
			path, ErrDimensionMismatch, elemSize, codec.Size())
	}

	buf := make([]byte, len(records)*codec.Size())
	for i, rec := range records {
		if err := codec.encodeInto(rec, buf[i*codec.Size():(i+1)*codec.Size()]); err != nil {
			return err
		}
	}
	return c.backend.WriteBlock(ctx, path, []uint64{offset}, []uint32{uint32(len(records))}, buf)
}

// ReadRecords reads n records from a rank-1 dataset starting at offset and
// decodes them with the codec.
func (c *Container) ReadRecords(ctx context.Context, path string, codec *RecordCodec, offset uint64, n int) ([]any, error) {
	extent, elemSize, err := c.backend.DatasetExtent(ctx, path)
	if err != nil {
		return nil, err
	}
	if extent.Rank() != 1 {
		return nil, fmt.Errorf("strata: dataset %q: record I/O needs rank 1, got rank %d", path, extent.Rank())
	}
	if elemSize != codec.Size() {
		return nil, fmt.Errorf("strata: dataset %q: %w: element size %d, record size %d",
			path, ErrDimensionMismatch, elemSize, codec.Size())
	}

	buf, err := c.backend.ReadBlock(ctx, path, []uint64{offset}, []uint32{uint32(n)})
	if err != nil {
		return nil, err
	}
	records := make([]any, n)
	for i := range records {
		rec, err := codec.Decode(buf[i*codec.Size() : (i+1)*codec.Size()])
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}
	return records, nil
}
