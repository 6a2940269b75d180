// Package pipeline routes a mail item through an ordered list of stages,
// splitting its recipients as conditions require.
//
// Each stage pairs a Condition, which selects the recipients the stage
// applies to, with an Action run on the item restricted to those recipients.
// When a condition selects only some recipients the item is split: the
// unselected recipients continue in a clone that skips the stage.
//
// A Pipeline drains an item with the bucket technique. Bucket i holds the
// items waiting for stage i; the item in the lowest non-empty bucket is always
// processed next, so siblings created by a split advance breadth-first. An
// item leaves the pipeline when its action changes its state (handed back to
// the caller, or destroyed for the ghost state) or when it passes the last
// stage unchanged (the terminal bucket). Items in the terminal bucket are
// reported in Result.Dropped; a pipeline that does not end with an
// unconditional terminal stage loses such mail, and it is up to the
// configuration to avoid that.
//
// Pipeline instances are not shared: one goroutine runs one instance at a
// time. Build a Set per worker from the shared Definitions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/helpers"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/pkg/metrics"
)

// Condition selects the recipients of item a stage applies to. Recipients
// returned that the item does not carry are ignored.
type Condition interface {
	Match(ctx context.Context, item *mail.Item) ([]string, error)
}

// Action processes an item. It may change recipients, attributes, headers
// and state.
type Action interface {
	Run(ctx context.Context, item *mail.Item) error
}

type ConditionFunc func(ctx context.Context, item *mail.Item) ([]string, error)

func (f ConditionFunc) Match(ctx context.Context, item *mail.Item) ([]string, error) {
	return f(ctx, item)
}

type ActionFunc func(ctx context.Context, item *mail.Item) error

func (f ActionFunc) Run(ctx context.Context, item *mail.Item) error {
	return f(ctx, item)
}

// Stage binds a condition to an action.
type Stage struct {
	Name      string
	Condition Condition
	Action    Action
}

// StageError reports a condition or action fault. The item has been moved to
// the error state.
type StageError struct {
	Pipeline string
	Stage    string
	ItemID   string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %q stage %q failed for %s: %v", e.Pipeline, e.Stage, e.ItemID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one run. Every recipient of the input item ends up
// in exactly one of the item lists.
type Result struct {
	// Handoff holds items whose state now names another pipeline.
	Handoff []*mail.Item
	// Faulted holds items moved to the error state by a stage fault.
	Faulted []*mail.Item
	// Ghosted holds items whose routing is complete.
	Ghosted []*mail.Item
	// Dropped holds items that passed the last stage without a state change.
	Dropped []*mail.Item
}

type Pipeline struct {
	name     string
	stages   []Stage
	terminal []*mail.Item
	busy     atomic.Bool
}

func New(name string, stages ...Stage) *Pipeline {
	return &Pipeline{name: name, stages: stages}
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Terminal returns the items that reached the end of the pipeline during the
// last run.
func (p *Pipeline) Terminal() []*mail.Item {
	return p.terminal
}

// Run drains item and every clone split off it. Stage faults do not stop the
// run; they are returned joined, one *StageError per faulted item, after all
// other items have drained.
func (p *Pipeline) Run(ctx context.Context, item *mail.Item) (*Result, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", consts.ErrPipelineBusy, p.name)
	}
	defer p.busy.Store(false)

	start := time.Now()
	metrics.PipelineRuns.WithLabelValues(p.name).Inc()
	defer func() {
		metrics.PipelineRunDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	}()

	n := len(p.stages)
	buckets := make([][]*mail.Item, n+1)
	p.terminal = nil
	buckets[0] = append(buckets[0], item)

	res := &Result{}
	var faults []error

	for {
		i := lowest(buckets[:n])
		if i < 0 {
			break
		}
		it := buckets[i][0]
		buckets[i] = buckets[i][1:]
		stage := p.stages[i]

		matched, err := p.match(ctx, stage, it)
		if err != nil {
			faults = append(faults, p.fault(stage, it, err))
			res.Faulted = append(res.Faulted, it)
			continue
		}
		matched = mail.Intersect(it.Recipients, matched)
		if len(matched) == 0 {
			buckets[i+1] = append(buckets[i+1], it)
			continue
		}

		if unmatched := mail.Subtract(it.Recipients, matched); len(unmatched) > 0 {
			clone := it.Clone(mail.DerivedID(it.ID))
			clone.SetRecipients(unmatched)
			it.SetRecipients(matched)
			buckets[i+1] = append(buckets[i+1], clone)
			metrics.RecipientSplits.WithLabelValues(p.name, stage.Name).Inc()
			logger.Debug("Pipeline: split item", "pipeline", p.name, "stage", stage.Name,
				"key", it.ID, "clone", clone.ID, "matched", len(matched), "unmatched", len(unmatched))
		}

		before := it.State
		if err := p.run(ctx, stage, it); err != nil {
			faults = append(faults, p.fault(stage, it, err))
			res.Faulted = append(res.Faulted, it)
			continue
		}

		switch it.State {
		case before:
			buckets[i+1] = append(buckets[i+1], it)
		case mail.StateGhost:
			res.Ghosted = append(res.Ghosted, it)
		default:
			logger.Debug("Pipeline: handing off item", "pipeline", p.name, "stage", stage.Name,
				"key", it.ID, "state", it.State)
			res.Handoff = append(res.Handoff, it)
		}
	}

	p.terminal = buckets[n]
	res.Dropped = p.terminal
	for _, it := range res.Dropped {
		logger.Warn("Pipeline: item reached the end without a state change", "pipeline", p.name,
			"key", it.ID, "recipients", len(it.Recipients))
	}

	metrics.PipelineItems.WithLabelValues(p.name, "handoff").Add(float64(len(res.Handoff)))
	metrics.PipelineItems.WithLabelValues(p.name, "faulted").Add(float64(len(res.Faulted)))
	metrics.PipelineItems.WithLabelValues(p.name, "ghosted").Add(float64(len(res.Ghosted)))
	metrics.PipelineItems.WithLabelValues(p.name, "dropped").Add(float64(len(res.Dropped)))

	return res, errors.Join(faults...)
}

func lowest(buckets [][]*mail.Item) int {
	for i, b := range buckets {
		if len(b) > 0 {
			return i
		}
	}
	return -1
}

func (p *Pipeline) match(ctx context.Context, stage Stage, item *mail.Item) (matched []string, err error) {
	defer recoverFault(&err)
	return stage.Condition.Match(ctx, item)
}

func (p *Pipeline) run(ctx context.Context, stage Stage, item *mail.Item) (err error) {
	defer recoverFault(&err)
	return stage.Action.Run(ctx, item)
}

func recoverFault(err *error) {
	if r := recover(); r != nil {
		logger.Error("Pipeline: recovered panic in stage", "panic", r, "stack", string(debug.Stack()))
		*err = fmt.Errorf("panic: %v", r)
	}
}

// fault moves item to the error state and describes the failure.
func (p *Pipeline) fault(stage Stage, item *mail.Item, cause error) error {
	item.Fail(helpers.SanitizeUTF8(fmt.Sprintf("stage %q: %v", stage.Name, cause)))
	metrics.StageFaults.WithLabelValues(p.name, stage.Name).Inc()
	logger.Warn("Pipeline: stage fault", "pipeline", p.name, "stage", stage.Name, "key", item.ID, "error", cause)
	return &StageError{Pipeline: p.name, Stage: stage.Name, ItemID: item.ID, Err: cause}
}
