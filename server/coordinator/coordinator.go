// Package coordinator drives spooled items through the routing pipelines.
//
// A pool of workers shares one spool. Each worker accepts a key (which locks
// it), retrieves the item and runs the pipeline its state names, then follows
// the item wherever the pipeline sends it:
//
//   - a state naming another pipeline continues there;
//   - a stage fault moves the item to the error pipeline; a fault inside the
//     error pipeline ghosts the item instead of retrying it again;
//   - the ghost state, or reaching the end of a pipeline with the state
//     unchanged, completes the item and its spool record is removed;
//   - a state naming no configured pipeline is a configuration fault: the
//     item is stored with a diagnostic and its key is kept locked ("parked")
//     until the coordinator stops, so it is neither lost nor retried in a loop.
//
// With the inline hand-off mode the same worker follows every item split off
// the original until the whole tree is done. With requeue, items handed to
// another pipeline are stored under their new state and any worker picks
// them up later.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/pipeline"
	"github.com/migadu/mailspool/pkg/metrics"
)

// HopsAttribute counts the pipeline runs an item has gone through.
const HopsAttribute = "mailspool.hops"

// MaxHops bounds the pipeline runs of one item, so that pipelines handing
// items to each other in a cycle cannot route forever.
const MaxHops = 64

// Spool is the part of spool.Store the coordinator uses.
type Spool interface {
	AcceptDelay(ctx context.Context, delay time.Duration) (string, error)
	Retrieve(ctx context.Context, key string) (*mail.Item, error)
	Store(ctx context.Context, item *mail.Item) error
	Remove(ctx context.Context, key string) error
	Lock(key string) bool
	Unlock(key string) bool
}

// ConfigurationError reports an item whose state names no pipeline.
type ConfigurationError struct {
	ItemID string
	State  string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("item %s: no pipeline handles state %q", e.ItemID, e.State)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Options configure a Coordinator. Zero Workers, Handoff and ShutdownTimeout
// select the defaults.
type Options struct {
	Workers         int
	Handoff         string // consts.HandoffInline or consts.HandoffRequeue
	ErrorDelay      time.Duration
	ShutdownTimeout time.Duration
}

// Report describes what happened to one spool key and the items split off it.
type Report struct {
	Completed []*mail.Item // reached the end of a pipeline
	Ghosted   []*mail.Item // routing complete, including double faults
	Requeued  []*mail.Item // stored under a new state (requeue mode)
	Parked    []*mail.Item // state names no pipeline
	Faults    error        // stage faults, joined
}

// Coordinator runs the worker pool. Start and Stop are idempotent.
type Coordinator struct {
	spool           Spool
	sets            []pipeline.Set
	oneShot         pipeline.Set
	oneShotMu       sync.Mutex
	handoff         string
	errorDelay      time.Duration
	shutdownTimeout time.Duration

	parkedMu sync.Mutex
	parked   map[string]struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds one pipeline set per worker from defs. It fails if the
// definitions do not build.
func New(sp Spool, reg *pipeline.Registry, defs []pipeline.Definition, opts Options) (*Coordinator, error) {
	if opts.Workers <= 0 {
		opts.Workers = consts.DefaultWorkers
	}
	switch opts.Handoff {
	case "":
		opts.Handoff = consts.HandoffInline
	case consts.HandoffInline, consts.HandoffRequeue:
	default:
		return nil, fmt.Errorf("unknown hand-off mode %q", opts.Handoff)
	}
	if opts.ErrorDelay < 0 {
		opts.ErrorDelay = 0
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	c := &Coordinator{
		spool:           sp,
		handoff:         opts.Handoff,
		errorDelay:      opts.ErrorDelay,
		shutdownTimeout: opts.ShutdownTimeout,
		parked:          make(map[string]struct{}),
	}
	for i := 0; i <= opts.Workers; i++ {
		set, err := reg.Build(defs)
		if err != nil {
			return nil, fmt.Errorf("failed to build pipelines: %w", err)
		}
		if i == opts.Workers {
			c.oneShot = set
		} else {
			c.sets = append(c.sets, set)
		}
	}
	return c, nil
}

// Start launches the workers. They run until Stop is called or ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	for i, set := range c.sets {
		c.wg.Add(1)
		go c.work(ctx, i, set)
	}

	logger.Info("Coordinator: started", "workers", len(c.sets), "handoff", c.handoff, "error_delay", c.errorDelay)
	return nil
}

// Stop signals the workers, waits for in-flight items up to the shutdown
// timeout and releases parked keys.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	wasRunning := c.running
	if wasRunning {
		c.running = false
		c.cancel()
	}
	c.mu.Unlock()

	if wasRunning {
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.shutdownTimeout):
			logger.Warn("Coordinator: shutdown timeout reached with items still in flight", "timeout", c.shutdownTimeout)
		}
	}

	c.parkedMu.Lock()
	for key := range c.parked {
		c.spool.Unlock(key)
		delete(c.parked, key)
	}
	c.parkedMu.Unlock()

	if wasRunning {
		logger.Info("Coordinator: stopped")
	}
}

// Parked returns the keys currently parked after a configuration fault.
func (c *Coordinator) Parked() []string {
	c.parkedMu.Lock()
	defer c.parkedMu.Unlock()
	keys := make([]string, 0, len(c.parked))
	for k := range c.parked {
		keys = append(keys, k)
	}
	return keys
}

func (c *Coordinator) work(ctx context.Context, id int, set pipeline.Set) {
	defer c.wg.Done()
	logger.Debug("Coordinator: worker running", "worker", id)

	for {
		key, err := c.spool.AcceptDelay(ctx, c.errorDelay)
		if err != nil {
			logger.Debug("Coordinator: worker exiting", "worker", id, "reason", err)
			return
		}

		metrics.CoordinatorBusyWorkers.Inc()
		// In-flight items finish even when shutdown has begun.
		c.safeProcess(context.WithoutCancel(ctx), set, key)
		metrics.CoordinatorBusyWorkers.Dec()
	}
}

// ProcessKey routes one key outside the worker pool. The key must not be
// locked; it is released (or parked) like a worker would.
func (c *Coordinator) ProcessKey(ctx context.Context, key string) (*Report, error) {
	if !c.spool.Lock(key) {
		return nil, fmt.Errorf("%w: %s", consts.ErrKeyLocked, key)
	}
	c.oneShotMu.Lock()
	defer c.oneShotMu.Unlock()
	return c.safeProcess(ctx, c.oneShot, key)
}

// safeProcess contains panics of the coordinator itself. Plugin panics are
// already stage faults. A key whose processing panicked is parked.
func (c *Coordinator) safeProcess(ctx context.Context, set pipeline.Set, key string) (report *Report, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Coordinator: recovered panic while routing, parking key", "key", key,
				"panic", r, "stack", string(debug.Stack()))
			metrics.CoordinatorFaults.WithLabelValues("panic").Inc()
			c.park(key)
			err = fmt.Errorf("%w: panic while routing %s: %v", consts.ErrInternalError, key, r)
		}
		metrics.CoordinatorProcessingDuration.Observe(time.Since(start).Seconds())
	}()
	return c.process(ctx, set, key)
}

// process routes the item stored under key. The caller holds the lock on key.
func (c *Coordinator) process(ctx context.Context, set pipeline.Set, key string) (*Report, error) {
	item, err := c.spool.Retrieve(ctx, key)
	if err != nil {
		if errors.Is(err, consts.ErrCorruptRecord) {
			metrics.CoordinatorFaults.WithLabelValues("corrupt").Inc()
		} else if !errors.Is(err, consts.ErrNotFound) {
			metrics.CoordinatorFaults.WithLabelValues("storage").Inc()
			logger.Error("Coordinator: failed to retrieve item", "key", key, "error", err)
		}
		c.spool.Unlock(key)
		return nil, err
	}

	if c.handoff == consts.HandoffRequeue {
		return c.processRequeue(ctx, set, key, item), nil
	}
	return c.processInline(ctx, set, key, item), nil
}

// step runs the pipeline named by item's state once. Items that must run
// again are returned in next.
func (c *Coordinator) step(ctx context.Context, set pipeline.Set, item *mail.Item, report *Report, faults *[]error) (next []*mail.Item, cfgErr error) {
	p, err := set.Get(item.State)
	if err != nil {
		return nil, &ConfigurationError{ItemID: item.ID, State: item.State, Err: err}
	}

	hops := hopsOf(item) + 1
	if hops > MaxHops {
		// Counted as a stage fault of the pipeline about to run.
		cause := fmt.Errorf("item exceeded %d pipeline runs", MaxHops)
		*faults = append(*faults, &pipeline.StageError{Pipeline: p.Name(), Stage: "hop limit", ItemID: item.ID, Err: cause})
		if item.State == mail.StateError {
			c.ghostDoubleFault(item, report)
			return nil, nil
		}
		item.Fail(cause.Error())
		return []*mail.Item{item}, nil
	}

	res, runErr := p.Run(ctx, item)
	if res == nil {
		// The pipeline instance refused to run; only happens if a set is
		// shared between goroutines.
		return nil, fmt.Errorf("%w: %v", consts.ErrInternalError, runErr)
	}
	if runErr != nil {
		*faults = append(*faults, runErr)
	}

	for _, it := range res.Faulted {
		if p.Name() == mail.StateError {
			c.ghostDoubleFault(it, report)
			continue
		}
		metrics.CoordinatorFaults.WithLabelValues("transient").Inc()
		if len(it.Recipients) == 0 {
			c.completeEmpty(p.Name(), it, report)
			continue
		}
		it.SetAttribute(HopsAttribute, hops)
		next = append(next, it)
	}
	for _, it := range res.Handoff {
		if len(it.Recipients) == 0 {
			c.completeEmpty(p.Name(), it, report)
			continue
		}
		it.SetAttribute(HopsAttribute, hops)
		next = append(next, it)
	}
	for _, it := range res.Ghosted {
		report.Ghosted = append(report.Ghosted, it)
		metrics.CoordinatorItems.WithLabelValues("ghosted").Inc()
	}
	for _, it := range res.Dropped {
		report.Completed = append(report.Completed, it)
		metrics.CoordinatorItems.WithLabelValues("completed").Inc()
	}
	return next, nil
}

// completeEmpty ends the route of an item an action left without
// recipients. It cannot be stored, and no pipeline could deliver it.
func (c *Coordinator) completeEmpty(from string, item *mail.Item, report *Report) {
	logger.Warn("Coordinator: item handed off without recipients, routing ends", "key", item.ID,
		"pipeline", from, "state", item.State)
	metrics.CoordinatorItems.WithLabelValues("completed").Inc()
	report.Completed = append(report.Completed, item)
}

func (c *Coordinator) ghostDoubleFault(item *mail.Item, report *Report) {
	logger.Error("Coordinator: fault in the error pipeline, discarding item", "key", item.ID,
		"recipients", len(item.Recipients), "error", item.ErrorMessage)
	metrics.CoordinatorFaults.WithLabelValues("double").Inc()
	metrics.CoordinatorItems.WithLabelValues("ghosted").Inc()
	item.SetState(mail.StateGhost)
	report.Ghosted = append(report.Ghosted, item)
}

// processInline follows every item of the tree on this worker. The key is
// removed once nothing of the original item needs it any more.
func (c *Coordinator) processInline(ctx context.Context, set pipeline.Set, key string, item *mail.Item) *Report {
	report := &Report{}
	var faults []error
	keepKey := false

	work := []*mail.Item{item}
	for len(work) > 0 {
		it := work[0]
		work = work[1:]

		next, cfgErr := c.step(ctx, set, it, report, &faults)
		if cfgErr != nil {
			if !c.parkItem(ctx, key, it, cfgErr, report) || it.ID == key {
				keepKey = true
			}
			continue
		}
		work = append(work, next...)
	}
	report.Faults = errors.Join(faults...)

	if keepKey {
		if !c.isParked(key) {
			// A split-off item could not be stored; route the original again later.
			c.spool.Unlock(key)
		}
		return report
	}
	if err := c.spool.Remove(ctx, key); err != nil {
		metrics.CoordinatorFaults.WithLabelValues("storage").Inc()
		logger.Error("Coordinator: failed to remove finished item", "key", key, "error", err)
	}
	c.spool.Unlock(key)
	return report
}

// processRequeue runs one pipeline and stores every handed-off item under
// its new state. Split-off items are stored before the original is touched,
// so a storage failure leads to duplicates rather than lost recipients.
func (c *Coordinator) processRequeue(ctx context.Context, set pipeline.Set, key string, item *mail.Item) *Report {
	report := &Report{}
	var faults []error

	next, cfgErr := c.step(ctx, set, item, report, &faults)
	report.Faults = errors.Join(faults...)
	if cfgErr != nil {
		if !c.parkItem(ctx, key, item, cfgErr, report) {
			c.spool.Unlock(key)
		}
		return report
	}

	var original *mail.Item
	for _, it := range next {
		if it.ID == key {
			original = it
			continue
		}
		if err := c.spool.Store(ctx, it); err != nil {
			metrics.CoordinatorFaults.WithLabelValues("storage").Inc()
			logger.Error("Coordinator: failed to requeue split-off item, original will be routed again",
				"key", key, "item", it.ID, "state", it.State, "error", err)
			c.spool.Unlock(key)
			return report
		}
		report.Requeued = append(report.Requeued, it)
		metrics.CoordinatorItems.WithLabelValues("requeued").Inc()
	}

	if original != nil {
		if err := c.spool.Store(ctx, original); err != nil {
			metrics.CoordinatorFaults.WithLabelValues("storage").Inc()
			logger.Error("Coordinator: failed to requeue item", "key", key, "state", original.State, "error", err)
		} else {
			report.Requeued = append(report.Requeued, original)
			metrics.CoordinatorItems.WithLabelValues("requeued").Inc()
		}
		c.spool.Unlock(key)
		return report
	}

	if err := c.spool.Remove(ctx, key); err != nil {
		metrics.CoordinatorFaults.WithLabelValues("storage").Inc()
		logger.Error("Coordinator: failed to remove finished item", "key", key, "error", err)
	}
	c.spool.Unlock(key)
	return report
}

// parkItem stores item with the configuration error and keeps its key
// locked. It reports whether the item was parked.
func (c *Coordinator) parkItem(ctx context.Context, key string, item *mail.Item, cfgErr error, report *Report) bool {
	logger.Error("Coordinator: CONFIGURATION FAULT, item parked until restart", "key", item.ID,
		"state", item.State, "error", cfgErr)
	metrics.CoordinatorFaults.WithLabelValues("configuration").Inc()

	item.ErrorMessage = cfgErr.Error()
	if item.ID != key && !c.spool.Lock(item.ID) {
		logger.Error("Coordinator: split-off item id already locked", "key", item.ID)
		return false
	}
	if err := c.spool.Store(ctx, item); err != nil {
		metrics.CoordinatorFaults.WithLabelValues("storage").Inc()
		logger.Error("Coordinator: failed to store parked item", "key", item.ID, "error", err)
		if item.ID != key {
			c.spool.Unlock(item.ID)
		}
		return false
	}
	c.park(item.ID)
	report.Parked = append(report.Parked, item)
	metrics.CoordinatorItems.WithLabelValues("parked").Inc()
	return true
}

func (c *Coordinator) park(key string) {
	c.parkedMu.Lock()
	c.parked[key] = struct{}{}
	c.parkedMu.Unlock()
}

func (c *Coordinator) isParked(key string) bool {
	c.parkedMu.Lock()
	defer c.parkedMu.Unlock()
	_, ok := c.parked[key]
	return ok
}

func hopsOf(item *mail.Item) int {
	v, ok := item.Attribute(HopsAttribute)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
