package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var all = ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
	return item.Recipients, nil
})

func only(addrs ...string) Condition {
	return ConditionFunc(func(_ context.Context, _ *mail.Item) ([]string, error) {
		return addrs, nil
	})
}

func setState(state string) Action {
	return ActionFunc(func(_ context.Context, item *mail.Item) error {
		item.SetState(state)
		return nil
	})
}

var noop = ActionFunc(func(context.Context, *mail.Item) error { return nil })

func newItem(rcpts ...string) *mail.Item {
	return mail.NewItem("a@x", rcpts, "root", []byte("Subject: t\r\n\r\nbody\r\n"))
}

// recipients collects every recipient of the given item lists.
func recipients(lists ...[]*mail.Item) []string {
	var out []string
	for _, l := range lists {
		for _, it := range l {
			out = append(out, it.Recipients...)
		}
	}
	sort.Strings(out)
	return out
}

func TestSplit(t *testing.T) {
	var seen []*mail.Item
	record := ActionFunc(func(_ context.Context, item *mail.Item) error {
		seen = append(seen, item)
		return nil
	})

	p := New("root",
		Stage{Name: "first", Condition: only("a@x"), Action: record},
		Stage{Name: "end", Condition: all, Action: setState(mail.StateGhost)},
	)
	item := newItem("a@x", "b@x")
	res, err := p.Run(context.Background(), item)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Same(t, item, seen[0], "the original keeps the matched recipients")
	assert.Equal(t, []string{"a@x"}, item.Recipients)

	require.Len(t, res.Ghosted, 2)
	clone := res.Ghosted[1]
	if clone == item {
		clone = res.Ghosted[0]
	}
	assert.NotEqual(t, item.ID, clone.ID)
	assert.True(t, strings.HasPrefix(clone.ID, item.ID+"!"))
	assert.Equal(t, []string{"b@x"}, clone.Recipients)
}

func TestRecipientConservation(t *testing.T) {
	rcpts := []string{"a@x", "b@x", "c@y", "d@y", "e@z"}
	p := New("root",
		Stage{Name: "x", Condition: only("a@x", "b@x"), Action: setState("local")},
		Stage{Name: "y", Condition: only("c@y", "nobody@y"), Action: setState(mail.StateGhost)},
		Stage{Name: "d", Condition: only("d@y"), Action: noop},
	)
	res, err := p.Run(context.Background(), newItem(rcpts...))
	require.NoError(t, err)

	assert.Equal(t, rcpts, recipients(res.Handoff, res.Ghosted, res.Dropped, res.Faulted))
	assert.Equal(t, []string{"a@x", "b@x"}, recipients(res.Handoff))
	assert.Equal(t, []string{"c@y"}, recipients(res.Ghosted))
	assert.Equal(t, []string{"d@y", "e@z"}, recipients(res.Dropped))
}

func TestConditionCannotInventRecipients(t *testing.T) {
	var got []string
	p := New("root", Stage{Name: "s", Condition: only("a@x", "intruder@x"), Action: ActionFunc(
		func(_ context.Context, item *mail.Item) error {
			got = item.Recipients
			item.SetState(mail.StateGhost)
			return nil
		})})
	_, err := p.Run(context.Background(), newItem("a@x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x"}, got)
}

func TestBreadthFirstOrder(t *testing.T) {
	var order []string
	trace := func(name string) Action {
		return ActionFunc(func(_ context.Context, item *mail.Item) error {
			order = append(order, name+":"+strings.Join(item.Recipients, ","))
			return nil
		})
	}
	p := New("root",
		Stage{Name: "s0", Condition: only("a@x"), Action: trace("s0")},
		Stage{Name: "s1", Condition: all, Action: trace("s1")},
		Stage{Name: "s2", Condition: all, Action: setState(mail.StateGhost)},
	)
	_, err := p.Run(context.Background(), newItem("a@x", "b@x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"s0:a@x", "s1:b@x", "s1:a@x"}, order)
}

func TestHandoffLeavesPipeline(t *testing.T) {
	var after int
	p := New("root",
		Stage{Name: "move", Condition: all, Action: setState("remote")},
		Stage{Name: "after", Condition: all, Action: ActionFunc(func(context.Context, *mail.Item) error {
			after++
			return nil
		})},
	)
	res, err := p.Run(context.Background(), newItem("a@x"))
	require.NoError(t, err)
	require.Len(t, res.Handoff, 1)
	assert.Equal(t, "remote", res.Handoff[0].State)
	assert.Zero(t, after)
	assert.Empty(t, p.Terminal())
}

// An item whose recipients are emptied without a state change drains through
// the remaining stages and is lost in the terminal bucket.
func TestLostMailInTerminalBucket(t *testing.T) {
	strip := ActionFunc(func(_ context.Context, item *mail.Item) error {
		item.SetRecipients(nil)
		return nil
	})
	var reached int
	p := New("root",
		Stage{Name: "strip", Condition: all, Action: strip},
		Stage{Name: "deliver", Condition: all, Action: ActionFunc(func(context.Context, *mail.Item) error {
			reached++
			return nil
		})},
	)
	item := newItem("a@x")
	res, err := p.Run(context.Background(), item)
	require.NoError(t, err)

	assert.Zero(t, reached)
	require.Len(t, res.Dropped, 1)
	assert.Same(t, item, res.Dropped[0])
	assert.Equal(t, "root", item.State)
	assert.Empty(t, res.Handoff)
	assert.Empty(t, res.Ghosted)
	assert.Equal(t, res.Dropped, p.Terminal())
}

func TestTerminalBucketClearedEachRun(t *testing.T) {
	p := New("root", Stage{Name: "pass", Condition: all, Action: noop})
	_, err := p.Run(context.Background(), newItem("a@x"))
	require.NoError(t, err)
	require.Len(t, p.Terminal(), 1)

	p2 := New("root", Stage{Name: "pass", Condition: only(), Action: noop})
	_, err = p2.Run(context.Background(), newItem("b@x"))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), newItem("c@x"))
	require.NoError(t, err)
	require.Len(t, p.Terminal(), 1)
	assert.Equal(t, []string{"c@x"}, res.Dropped[0].Recipients)
}

func TestStageFault(t *testing.T) {
	boom := errors.New("relay unreachable")
	p := New("root",
		Stage{Name: "split", Condition: only("a@x"), Action: ActionFunc(func(context.Context, *mail.Item) error {
			return boom
		})},
		Stage{Name: "rest", Condition: all, Action: setState("remote")},
	)
	item := newItem("a@x", "b@x")
	res, err := p.Run(context.Background(), item)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "split", se.Stage)
	assert.Equal(t, item.ID, se.ItemID)

	require.Len(t, res.Faulted, 1)
	assert.Same(t, item, res.Faulted[0])
	assert.Equal(t, mail.StateError, item.State)
	assert.Equal(t, `stage "split": relay unreachable`, item.ErrorMessage)

	require.Len(t, res.Handoff, 1, "the sibling keeps draining")
	assert.Equal(t, []string{"b@x"}, res.Handoff[0].Recipients)
}

func TestPanicIsAFault(t *testing.T) {
	p := New("root", Stage{Name: "bad", Condition: ConditionFunc(func(context.Context, *mail.Item) ([]string, error) {
		panic("nil map")
	}), Action: noop})

	item := newItem("a@x")
	res, err := p.Run(context.Background(), item)
	require.Error(t, err)
	require.Len(t, res.Faulted, 1)
	assert.Contains(t, item.ErrorMessage, "panic: nil map")
}

func TestMultipleFaultsAreJoined(t *testing.T) {
	fail := ActionFunc(func(_ context.Context, item *mail.Item) error {
		return errors.New("fail " + item.Recipients[0])
	})
	p := New("root",
		Stage{Name: "one", Condition: only("a@x"), Action: fail},
		Stage{Name: "two", Condition: all, Action: fail},
	)
	res, err := p.Run(context.Background(), newItem("a@x", "b@x"))
	require.Error(t, err)
	assert.Len(t, res.Faulted, 2)
	assert.Len(t, err.(interface{ Unwrap() []error }).Unwrap(), 2)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	p := New("root", Stage{Name: "wait", Condition: all, Action: ActionFunc(func(_ context.Context, item *mail.Item) error {
		close(entered)
		<-release
		item.SetState(mail.StateGhost)
		return nil
	})})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Run(context.Background(), newItem("a@x"))
	}()
	<-entered

	_, err := p.Run(context.Background(), newItem("b@x"))
	assert.ErrorIs(t, err, consts.ErrPipelineBusy)

	close(release)
	wg.Wait()
}
