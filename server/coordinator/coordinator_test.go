package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/pipeline"
	"github.com/migadu/mailspool/pipeline/builtin"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/spool"
	"github.com/migadu/mailspool/storage"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = "From: a@x\r\nSubject: test\r\n\r\nbody\r\n"

type harness struct {
	store    *spool.Store
	registry *pipeline.Registry
	explodes atomic.Int32
	seen     atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := spool.Open(context.Background(), storage.NewMemory(), spool.Options{MaxWait: 50 * time.Millisecond})
	require.NoError(t, err)

	h := &harness{store: store, registry: builtin.NewRegistry(builtin.Deps{})}
	h.registry.RegisterAction("explode", func(map[string]string) (pipeline.Action, error) {
		return pipeline.ActionFunc(func(context.Context, *mail.Item) error {
			h.explodes.Add(1)
			return errors.New("boom")
		}), nil
	})
	h.registry.RegisterAction("record", func(map[string]string) (pipeline.Action, error) {
		return pipeline.ActionFunc(func(context.Context, *mail.Item) error {
			h.seen.Add(1)
			return nil
		}), nil
	})
	// clear_recipients empties the item and, given a pipeline, hands it on.
	h.registry.RegisterAction("clear_recipients", func(params map[string]string) (pipeline.Action, error) {
		return pipeline.ActionFunc(func(_ context.Context, item *mail.Item) error {
			item.SetRecipients(nil)
			if next := params["pipeline"]; next != "" {
				item.SetState(next)
			}
			return nil
		}), nil
	})
	return h
}

func (h *harness) coordinator(t *testing.T, handoff string, defs ...pipeline.Definition) *Coordinator {
	t.Helper()
	c, err := New(h.store, h.registry, defs, Options{Workers: 2, Handoff: handoff, ShutdownTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func (h *harness) submit(t *testing.T, rcpts ...string) *mail.Item {
	t.Helper()
	item := mail.NewItem("a@x", rcpts, "root", []byte(payload))
	require.NoError(t, h.store.Store(context.Background(), item))
	return item
}

func def(name string, stages ...pipeline.StageDefinition) pipeline.Definition {
	return pipeline.Definition{Name: name, Stages: stages}
}

func stage(name, cond, param, action string, params map[string]string) pipeline.StageDefinition {
	return pipeline.StageDefinition{Name: name, Condition: cond, ConditionParam: param, Action: action, Params: params}
}

func toPipeline(name string) map[string]string {
	return map[string]string{"pipeline": name}
}

var ghostAll = stage("done", "all", "", "ghost", nil)

// splitDefs sends b@x to local and c@x to remote.
func splitDefs() []pipeline.Definition {
	return []pipeline.Definition{
		def("root",
			stage("local", "recipient_is", "b@x", "to_pipeline", toPipeline("local")),
			stage("remote", "recipient_is", "c@x", "to_pipeline", toPipeline("remote")),
		),
		def("local", stage("deliver", "all", "", "record", nil), ghostAll),
		def("remote", stage("relay", "all", "", "record", nil), ghostAll),
		def(mail.StateError, ghostAll),
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	h := newHarness(t)

	_, err := New(h.store, h.registry, splitDefs(), Options{Handoff: "sideways"})
	assert.Error(t, err)

	_, err = New(h.store, h.registry, []pipeline.Definition{def("root", ghostAll)}, Options{})
	assert.ErrorIs(t, err, consts.ErrUnknownPipeline)
}

func TestRequeueSplitsIntoSpool(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffRequeue, splitDefs()...)
	m1 := h.submit(t, "b@x", "c@x")

	report, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)
	require.NoError(t, report.Faults)
	require.Len(t, report.Requeued, 2)
	assert.False(t, h.store.IsLocked(m1.ID))

	keys := h.store.List()
	require.Len(t, keys, 2)

	original, err := h.store.Retrieve(context.Background(), m1.ID)
	require.NoError(t, err)
	assert.Equal(t, "local", original.State)
	assert.Equal(t, []string{"b@x"}, original.Recipients)

	var cloneKey string
	for _, k := range keys {
		if k != m1.ID {
			cloneKey = k
		}
	}
	assert.True(t, strings.HasPrefix(cloneKey, m1.ID+"!"))
	clone, err := h.store.Retrieve(context.Background(), cloneKey)
	require.NoError(t, err)
	assert.Equal(t, "remote", clone.State)
	assert.Equal(t, []string{"c@x"}, clone.Recipients)

	// Both halves finish on their own pipelines.
	for _, k := range keys {
		report, err := c.ProcessKey(context.Background(), k)
		require.NoError(t, err)
		assert.Len(t, report.Ghosted, 1)
	}
	assert.Zero(t, h.store.Len())
	assert.Equal(t, int32(2), h.seen.Load())
}

func TestInlineFollowsWholeTree(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffInline, splitDefs()...)
	m1 := h.submit(t, "b@x", "c@x", "d@x")

	report, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)
	require.NoError(t, report.Faults)

	// d@x matched nothing in root and passed its last stage.
	require.Len(t, report.Completed, 1)
	assert.Equal(t, []string{"d@x"}, report.Completed[0].Recipients)

	require.Len(t, report.Ghosted, 2)
	var got []string
	for _, it := range report.Ghosted {
		got = append(got, it.Recipients...)
	}
	assert.ElementsMatch(t, []string{"b@x", "c@x"}, got)

	assert.Zero(t, h.store.Len())
	assert.False(t, h.store.IsLocked(m1.ID))
	assert.Equal(t, int32(2), h.seen.Load())
}

func TestStageFaultRunsErrorPipeline(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffInline,
		def("root", stage("x", "all", "", "explode", nil)),
		def(mail.StateError, stage("handled", "all", "", "record", nil), ghostAll),
	)
	m1 := h.submit(t, "b@x")

	report, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, report.Faults, &stageErr)
	assert.Equal(t, "root", stageErr.Pipeline)
	assert.Equal(t, "x", stageErr.Stage)

	require.Len(t, report.Ghosted, 1)
	assert.Contains(t, report.Ghosted[0].ErrorMessage, "boom")
	assert.Equal(t, int32(1), h.seen.Load())
	assert.Zero(t, h.store.Len())
}

func TestDoubleFaultGhosts(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffInline,
		def("root", stage("x", "all", "", "explode", nil)),
		def(mail.StateError, stage("x", "all", "", "explode", nil)),
	)
	m1 := h.submit(t, "b@x", "c@x")

	report, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(2), h.explodes.Load(), "one attempt in root, one in error")
	require.Len(t, report.Ghosted, 1)
	assert.Equal(t, mail.StateGhost, report.Ghosted[0].State)
	assert.Equal(t, []string{"b@x", "c@x"}, report.Ghosted[0].Recipients)
	assert.Zero(t, h.store.Len())
}

func TestRequeueStoresFaultedItem(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffRequeue,
		def("root", stage("x", "all", "", "explode", nil)),
		def(mail.StateError, stage("x", "all", "", "explode", nil)),
	)
	m1 := h.submit(t, "b@x")

	_, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)

	stored, err := h.store.Retrieve(context.Background(), m1.ID)
	require.NoError(t, err)
	assert.Equal(t, mail.StateError, stored.State)
	assert.Contains(t, stored.ErrorMessage, "boom")

	// The second fault happens in the error pipeline and ends routing.
	report, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)
	require.Len(t, report.Ghosted, 1)
	assert.Zero(t, h.store.Len())
}

func TestUnknownStateParksItem(t *testing.T) {
	for _, handoff := range []string{consts.HandoffInline, consts.HandoffRequeue} {
		t.Run(handoff, func(t *testing.T) {
			h := newHarness(t)
			c := h.coordinator(t, handoff,
				def("root", stage("x", "all", "", "to_pipeline", toPipeline("nowhere"))),
				def(mail.StateError, ghostAll),
			)
			m1 := h.submit(t, "b@x")
			if handoff == consts.HandoffRequeue {
				// The first run only stores the new state.
				_, err := c.ProcessKey(context.Background(), m1.ID)
				require.NoError(t, err)
			}

			report, err := c.ProcessKey(context.Background(), m1.ID)
			require.NoError(t, err)
			require.Len(t, report.Parked, 1)

			assert.True(t, h.store.IsLocked(m1.ID))
			assert.Equal(t, []string{m1.ID}, c.Parked())

			_, err = c.ProcessKey(context.Background(), m1.ID)
			assert.ErrorIs(t, err, consts.ErrKeyLocked)

			c.Stop()
			assert.False(t, h.store.IsLocked(m1.ID))
			assert.Empty(t, c.Parked())

			stored, err := h.store.Retrieve(context.Background(), m1.ID)
			require.NoError(t, err)
			assert.Equal(t, "nowhere", stored.State)
			assert.Contains(t, stored.ErrorMessage, "nowhere")
		})
	}
}

func TestParkedCloneReleasesOriginal(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffInline,
		def("root",
			stage("done", "recipient_is", "b@x", "ghost", nil),
			stage("lost", "all", "", "to_pipeline", toPipeline("nowhere")),
		),
		def(mail.StateError, ghostAll),
	)
	m1 := h.submit(t, "b@x", "c@x")

	report, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)
	require.Len(t, report.Parked, 1)
	require.Len(t, report.Ghosted, 1)

	clone := report.Parked[0]
	assert.Equal(t, []string{"c@x"}, clone.Recipients)
	assert.False(t, h.store.Contains(m1.ID))
	assert.True(t, h.store.Contains(clone.ID))
	assert.True(t, h.store.IsLocked(clone.ID))
}

func TestHopLimit(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffInline,
		def("root", stage("x", "all", "", "to_pipeline", toPipeline("loop"))),
		def("loop", stage("x", "all", "", "to_pipeline", toPipeline("root"))),
		def(mail.StateError, ghostAll),
	)
	m1 := h.submit(t, "b@x")

	report, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)
	require.Error(t, report.Faults)
	assert.Contains(t, report.Faults.Error(), fmt.Sprintf("%d pipeline runs", MaxHops))
	require.Len(t, report.Ghosted, 1)
	assert.Zero(t, h.store.Len())
}

func TestProcessKeyMissing(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffInline, splitDefs()...)

	_, err := c.ProcessKey(context.Background(), "missing")
	assert.ErrorIs(t, err, consts.ErrNotFound)
	assert.False(t, h.store.IsLocked("missing"))
}

func TestWorkersDrainSpool(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffRequeue, splitDefs()...)

	for i := 0; i < 5; i++ {
		h.submit(t, "b@x", "c@x")
	}

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))

	require.Eventually(t, func() bool { return h.store.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(10), h.seen.Load())

	// Items stored while running are picked up too.
	h.submit(t, "b@x")
	require.Eventually(t, func() bool { return h.store.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	c.Stop()
	c.Stop()
}

func TestStopWithCancelledContext(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffInline, splitDefs()...)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func processedCount(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.CoordinatorProcessingDuration.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestProcessingDurationObserved(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffInline, splitDefs()...)
	m1 := h.submit(t, "b@x", "c@x")

	before := processedCount(t)
	_, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)
	assert.Equal(t, before+1, processedCount(t))
}

func TestEmptyHandoffCompletes(t *testing.T) {
	for _, mode := range []string{consts.HandoffInline, consts.HandoffRequeue} {
		t.Run(mode, func(t *testing.T) {
			h := newHarness(t)
			c := h.coordinator(t, mode,
				def("root", stage("clear", "recipient_is", "b@x", "clear_recipients", toPipeline("next"))),
				def("next", stage("deliver", "all", "", "record", nil), ghostAll),
				def(mail.StateError, ghostAll),
			)
			m1 := h.submit(t, "b@x")

			for i := 0; i < 3; i++ {
				report, err := c.ProcessKey(context.Background(), m1.ID)
				if i > 0 {
					assert.ErrorIs(t, err, consts.ErrNotFound, "finished item must not be routed again")
					continue
				}
				require.NoError(t, err)
				require.NoError(t, report.Faults)
				require.Len(t, report.Completed, 1)
				assert.Empty(t, report.Requeued)
				assert.Empty(t, report.Ghosted)
			}

			assert.Empty(t, h.store.List())
			assert.False(t, h.store.IsLocked(m1.ID))
			assert.Zero(t, h.seen.Load())
		})
	}
}

func TestEmptyHandoffKeepsSplitOffItems(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, consts.HandoffRequeue,
		def("root", stage("clear", "recipient_is", "b@x", "clear_recipients", toPipeline("next"))),
		def("next", ghostAll),
		def(mail.StateError, ghostAll),
	)
	m1 := h.submit(t, "b@x", "c@x")

	report, err := c.ProcessKey(context.Background(), m1.ID)
	require.NoError(t, err)
	require.Len(t, report.Completed, 2, "the emptied original and the untouched clone both finish")
	assert.Empty(t, report.Requeued)
	assert.Empty(t, h.store.List())
}

// An item whose recipients run out before the last stage passes the rest
// of the pipeline unchanged and is lost at the end of the run.
func TestLostMailThroughCoordinator(t *testing.T) {
	for _, mode := range []string{consts.HandoffInline, consts.HandoffRequeue} {
		t.Run(mode, func(t *testing.T) {
			h := newHarness(t)
			c := h.coordinator(t, mode,
				def("root",
					stage("clear", "all", "", "clear_recipients", nil),
					stage("deliver", "all", "", "record", nil),
				),
				def(mail.StateError, ghostAll),
			)
			m1 := h.submit(t, "b@x", "c@x")

			report, err := c.ProcessKey(context.Background(), m1.ID)
			require.NoError(t, err)
			require.NoError(t, report.Faults)
			require.Len(t, report.Completed, 1)
			assert.Empty(t, report.Completed[0].Recipients)
			assert.Empty(t, report.Requeued)
			assert.Zero(t, h.seen.Load(), "no stage sees an item without recipients")
			assert.Empty(t, h.store.List())
			assert.False(t, h.store.IsLocked(m1.ID))
		})
	}
}
