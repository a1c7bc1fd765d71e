package client

import (
	"canvas-sync/core"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedTransport lets each test dictate transport behavior per call.
type scriptedTransport struct {
	mu            sync.Mutex
	live          func(m *Mutation) (*core.MutationEvent, error)
	fallback      func(m *Mutation) (*core.MutationEvent, error)
	liveCalls     int
	fallbackCalls int
}

func (t *scriptedTransport) SendLive(ctx context.Context, token string, m *Mutation) (*core.MutationEvent, error) {
	t.mu.Lock()
	t.liveCalls++
	fn := t.live
	t.mu.Unlock()
	if fn == nil {
		return nil, core.Errorf(core.KindTransport, "live channel down")
	}
	return fn(m)
}

func (t *scriptedTransport) SendFallback(ctx context.Context, token string, m *Mutation) (*core.MutationEvent, error) {
	t.mu.Lock()
	t.fallbackCalls++
	fn := t.fallback
	t.mu.Unlock()
	if fn == nil {
		return nil, core.Errorf(core.KindTransport, "fallback down")
	}
	return fn(m)
}

func (t *scriptedTransport) calls() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveCalls, t.fallbackCalls
}

func (t *scriptedTransport) setLive(fn func(m *Mutation) (*core.MutationEvent, error)) {
	t.mu.Lock()
	t.live = fn
	t.mu.Unlock()
}

func fastOptions() Options {
	return Options{
		Backoff:          Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		MaxAttempts:      5,
		BreakerThreshold: 5,
		SendTimeout:      time.Second,
	}
}

func confirmCreate(m *Mutation, seq uint64) (*core.MutationEvent, error) {
	props := core.ObjectProps{}
	if len(m.Payload) > 0 {
		json.Unmarshal(m.Payload, &props)
	}
	return &core.MutationEvent{
		Type:     core.MutationCreate,
		CanvasID: m.CanvasID,
		Seq:      seq,
		Object: &core.CanvasObject{
			ID:       "srv-1",
			CanvasID: m.CanvasID,
			Kind:     m.Kind,
			Props:    props,
			Seq:      seq,
		},
		ObjectID:      "srv-1",
		CorrelationID: m.CorrelationID,
	}, nil
}

func waitState(t *testing.T, r *Reconciler, corrID string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := r.MutationState(corrID); state == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	state, lastErr := r.MutationState(corrID)
	t.Fatalf("mutation never reached %s, stuck at %s (last error: %v)", want, state, lastErr)
}

func seedObject(r *Reconciler, id string, seq uint64) {
	r.ApplySnapshot(&core.CanvasSnapshot{
		CanvasID: "c1",
		Objects: []*core.CanvasObject{{
			ID:       id,
			CanvasID: "c1",
			Kind:     core.KindRectangle,
			Props: core.ObjectProps{
				X: core.Float64(1), Y: core.Float64(1),
				Width: core.Float64(10), Height: core.Float64(10),
				FillColor: core.String("#fff"),
			},
			Seq: seq,
		}},
		Seq: seq,
	})
}

func TestCreateConfirmedOverLiveChannel(t *testing.T) {
	tr := &scriptedTransport{}
	tr.setLive(func(m *Mutation) (*core.MutationEvent, error) { return confirmCreate(m, 1) })
	r := NewReconciler("c1", "tok", tr, Callbacks{}, fastOptions())
	defer r.Close()

	corrID, err := r.Create(core.KindRectangle, []byte(`{"x":1,"y":1,"width":10,"height":10}`))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// The optimistic object is visible immediately, before confirmation.
	if len(r.Objects()) != 1 {
		t.Error("optimistic object not visible")
	}

	waitState(t, r, corrID, StateConfirmed)
	objs := r.Objects()
	if len(objs) != 1 || objs[0].ID != "srv-1" {
		t.Errorf("authoritative object did not replace the optimistic one: %+v", objs)
	}
	if r.LastSeq() != 1 {
		t.Errorf("LastSeq = %d, want 1", r.LastSeq())
	}
}

func TestCreateValidatedLocally(t *testing.T) {
	tr := &scriptedTransport{}
	r := NewReconciler("c1", "tok", tr, Callbacks{}, fastOptions())
	defer r.Close()

	_, err := r.Create(core.KindRectangle, []byte(`{"x":1,"y":1,"width":10}`))
	if !core.IsKind(err, core.KindValidation) {
		t.Fatalf("expected local validation_error, got %v", err)
	}
	if live, fb := tr.calls(); live != 0 || fb != 0 {
		t.Error("invalid payload must never reach the transport")
	}
	if len(r.Objects()) != 0 {
		t.Error("invalid payload left optimistic state behind")
	}
}

// At-least-once delivery: the same committed event may arrive more than once
// and must apply exactly once.
func TestHandleEventIdempotent(t *testing.T) {
	r := NewReconciler("c1", "tok", &scriptedTransport{}, Callbacks{}, fastOptions())
	defer r.Close()

	ev := &core.MutationEvent{
		Type:     core.MutationCreate,
		CanvasID: "c1",
		Seq:      1,
		Object:   &core.CanvasObject{ID: "o1", CanvasID: "c1", Kind: core.KindRectangle, Seq: 1},
		ObjectID: "o1",
	}
	r.HandleEvent(ev)
	r.HandleEvent(ev)

	if got := len(r.Objects()); got != 1 {
		t.Errorf("duplicate event applied twice: %d objects", got)
	}
	if r.LastSeq() != 1 {
		t.Errorf("LastSeq = %d, want 1", r.LastSeq())
	}
}

func TestHandleEventDropsStaleSeq(t *testing.T) {
	r := NewReconciler("c1", "tok", &scriptedTransport{}, Callbacks{}, fastOptions())
	defer r.Close()

	r.HandleEvent(&core.MutationEvent{
		Type:     core.MutationUpdate,
		CanvasID: "c1",
		Seq:      5,
		Object:   &core.CanvasObject{ID: "o1", CanvasID: "c1", Props: core.ObjectProps{X: core.Float64(5)}, Seq: 5},
		ObjectID: "o1",
	})
	// An older event arriving late must not regress the replica.
	r.HandleEvent(&core.MutationEvent{
		Type:     core.MutationUpdate,
		CanvasID: "c1",
		Seq:      3,
		Object:   &core.CanvasObject{ID: "o1", CanvasID: "c1", Props: core.ObjectProps{X: core.Float64(3)}, Seq: 3},
		ObjectID: "o1",
	})

	if got := r.Object("o1"); *got.Props.X != 5 {
		t.Errorf("stale event regressed the object: x = %v", *got.Props.X)
	}
	if r.LastSeq() != 5 {
		t.Errorf("LastSeq = %d, want 5", r.LastSeq())
	}
}

func TestHandleEventIgnoresOtherCanvas(t *testing.T) {
	r := NewReconciler("c1", "tok", &scriptedTransport{}, Callbacks{}, fastOptions())
	defer r.Close()

	r.HandleEvent(&core.MutationEvent{
		Type:     core.MutationCreate,
		CanvasID: "c2",
		Seq:      1,
		Object:   &core.CanvasObject{ID: "o1", CanvasID: "c2", Seq: 1},
		ObjectID: "o1",
	})
	if len(r.Objects()) != 0 || r.LastSeq() != 0 {
		t.Error("event for another canvas leaked into this session")
	}
}

// Live fails, fallback fails once, then the retry converges through the
// fallback path — with the mutation committed exactly once.
func TestRetryFallsBackAndConverges(t *testing.T) {
	tr := &scriptedTransport{}
	failures := 0
	var mu sync.Mutex
	tr.fallback = func(m *Mutation) (*core.MutationEvent, error) {
		mu.Lock()
		defer mu.Unlock()
		failures++
		if failures == 1 {
			return nil, core.Errorf(core.KindTransport, "fallback hiccup")
		}
		return confirmCreate(m, 1)
	}
	r := NewReconciler("c1", "tok", tr, Callbacks{}, fastOptions())
	defer r.Close()

	corrID, err := r.Create(core.KindRectangle, []byte(`{"x":1,"y":1,"width":10,"height":10}`))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	waitState(t, r, corrID, StateConfirmed)
	if live, fb := tr.calls(); live != 2 || fb != 2 {
		t.Errorf("calls = (live %d, fallback %d), want (2, 2)", live, fb)
	}
	if got := len(r.Objects()); got != 1 {
		t.Errorf("converged to %d objects, want exactly 1", got)
	}
}

func TestNonRetryableAbandonsImmediately(t *testing.T) {
	tr := &scriptedTransport{}
	tr.setLive(func(m *Mutation) (*core.MutationEvent, error) {
		return nil, core.Errorf(core.KindPermissionDenied, "no edit rights")
	})

	abandoned := make(chan error, 1)
	r := NewReconciler("c1", "tok", tr, Callbacks{
		OnAbandoned: func(m *Mutation, err error) { abandoned <- err },
	}, fastOptions())
	defer r.Close()

	seedObject(r, "o1", 1)
	corrID, err := r.Update("o1", []byte(`{"fillColor":"#f00"}`))
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	waitState(t, r, corrID, StateAbandoned)
	select {
	case err := <-abandoned:
		if !core.IsKind(err, core.KindPermissionDenied) {
			t.Errorf("OnAbandoned error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAbandoned never fired")
	}

	// A terminal rejection gets exactly one attempt and no fallback: the
	// error kind, not the transport, decides.
	if live, fb := tr.calls(); live != 1 || fb != 0 {
		t.Errorf("calls = (live %d, fallback %d), want (1, 0)", live, fb)
	}
	// Optimistic edit rolled back to the last confirmed state.
	if got := r.Object("o1"); *got.Props.FillColor != "#fff" {
		t.Errorf("rollback missing: fillColor = %s", *got.Props.FillColor)
	}
}

func TestAbandonedDeleteRestoresObject(t *testing.T) {
	tr := &scriptedTransport{}
	tr.setLive(func(m *Mutation) (*core.MutationEvent, error) {
		return nil, core.Errorf(core.KindNotFound, "object vanished")
	})
	r := NewReconciler("c1", "tok", tr, Callbacks{}, fastOptions())
	defer r.Close()

	seedObject(r, "o1", 1)
	corrID, err := r.Delete("o1")
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if r.Object("o1") != nil {
		t.Error("delete should apply optimistically")
	}

	waitState(t, r, corrID, StateAbandoned)
	if r.Object("o1") == nil {
		t.Error("abandoned delete did not restore the object")
	}
}

// A newer authoritative write that lands while a mutation is pending wins over
// the rollback: abandoning must not clobber it.
func TestAbandonDoesNotClobberNewerState(t *testing.T) {
	gate := make(chan struct{})
	tr := &scriptedTransport{}
	tr.setLive(func(m *Mutation) (*core.MutationEvent, error) {
		<-gate
		return nil, core.Errorf(core.KindPermissionDenied, "rejected")
	})
	r := NewReconciler("c1", "tok", tr, Callbacks{}, fastOptions())
	defer r.Close()

	seedObject(r, "o1", 1)
	corrID, err := r.Update("o1", []byte(`{"fillColor":"#f00"}`))
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	// Another collaborator's update arrives before our mutation fails.
	r.HandleEvent(&core.MutationEvent{
		Type:     core.MutationUpdate,
		CanvasID: "c1",
		Seq:      2,
		Object: &core.CanvasObject{
			ID: "o1", CanvasID: "c1", Kind: core.KindRectangle,
			Props: core.ObjectProps{FillColor: core.String("#0f0")},
			Seq:   2,
		},
		ObjectID: "o1",
	})
	close(gate)

	waitState(t, r, corrID, StateAbandoned)
	if got := r.Object("o1"); *got.Props.FillColor != "#0f0" || got.Seq != 2 {
		t.Errorf("rollback clobbered newer authoritative state: %+v", got)
	}
}

// If a delete event wins the race against a pending update, abandoning the
// update must not resurrect the deleted object.
func TestAbandonedUpdateDoesNotResurrectDeleted(t *testing.T) {
	gate := make(chan struct{})
	tr := &scriptedTransport{}
	tr.setLive(func(m *Mutation) (*core.MutationEvent, error) {
		<-gate
		return nil, core.Errorf(core.KindNotFound, "object gone")
	})
	r := NewReconciler("c1", "tok", tr, Callbacks{}, fastOptions())
	defer r.Close()

	seedObject(r, "o1", 1)
	corrID, err := r.Update("o1", []byte(`{"fillColor":"#f00"}`))
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	r.HandleEvent(&core.MutationEvent{
		Type:     core.MutationDelete,
		CanvasID: "c1",
		Seq:      2,
		ObjectID: "o1",
	})
	close(gate)

	waitState(t, r, corrID, StateAbandoned)
	if r.Object("o1") != nil {
		t.Error("abandoned update resurrected a deleted object")
	}
}

func TestRetriesExhaustThenAbandon(t *testing.T) {
	tr := &scriptedTransport{}
	opts := fastOptions()
	opts.MaxAttempts = 3
	opts.BreakerThreshold = 100
	r := NewReconciler("c1", "tok", tr, Callbacks{}, opts)
	defer r.Close()

	corrID, err := r.Create(core.KindRectangle, []byte(`{"x":1,"y":1,"width":10,"height":10}`))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	waitState(t, r, corrID, StateAbandoned)
	if live, _ := tr.calls(); live != 3 {
		t.Errorf("live attempts = %d, want exactly MaxAttempts (3)", live)
	}
	if len(r.Objects()) != 0 {
		t.Error("abandoned create left its optimistic object behind")
	}
}

func TestBreakerHaltsOperationUntilReset(t *testing.T) {
	tr := &scriptedTransport{}
	opts := fastOptions()
	opts.MaxAttempts = 100
	opts.BreakerThreshold = 2

	unavailable := make(chan core.MutationType, 1)
	r := NewReconciler("c1", "tok", tr, Callbacks{
		OnUnavailable: func(canvasID string, op core.MutationType) { unavailable <- op },
	}, opts)
	defer r.Close()

	corrID, err := r.Create(core.KindRectangle, []byte(`{"x":1,"y":1,"width":10,"height":10}`))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Two consecutive transport failures trip the breaker; the pending
	// mutation is abandoned rather than retried forever.
	waitState(t, r, corrID, StateAbandoned)
	select {
	case op := <-unavailable:
		if op != core.MutationCreate {
			t.Errorf("OnUnavailable op = %s, want create", op)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnUnavailable never fired")
	}
	if !r.Tripped(core.MutationCreate) {
		t.Fatal("breaker should be tripped")
	}

	// New work of the same type is refused outright — no attempt, no timer.
	liveBefore, _ := tr.calls()
	if _, err := r.Create(core.KindRectangle, []byte(`{"x":1,"y":1,"width":10,"height":10}`)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if liveAfter, _ := tr.calls(); liveAfter != liveBefore {
		t.Error("refused mutation still reached the transport")
	}

	// Other operation types are unaffected.
	if r.Tripped(core.MutationUpdate) {
		t.Error("breaker tripped for an unrelated operation type")
	}

	// Only the explicit reset re-opens the path.
	tr.setLive(func(m *Mutation) (*core.MutationEvent, error) { return confirmCreate(m, 1) })
	r.ResetBreaker(core.MutationCreate)
	corrID, err = r.Create(core.KindRectangle, []byte(`{"x":1,"y":1,"width":10,"height":10}`))
	if err != nil {
		t.Fatalf("Create() after reset failed: %v", err)
	}
	waitState(t, r, corrID, StateConfirmed)
}

func TestUpdateUnknownObjectRejected(t *testing.T) {
	r := NewReconciler("c1", "tok", &scriptedTransport{}, Callbacks{}, fastOptions())
	defer r.Close()

	if _, err := r.Update("ghost", []byte(`{"x":1}`)); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
	if _, err := r.Delete("ghost"); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestConfirmationResolvesByCorrelation(t *testing.T) {
	// The confirmation arrives over the live channel as a broadcast-shaped
	// event rather than a send response; the correlation id alone must
	// resolve the pending mutation.
	gate := make(chan struct{})
	tr := &scriptedTransport{}
	tr.setLive(func(m *Mutation) (*core.MutationEvent, error) {
		<-gate
		return nil, core.Errorf(core.KindTransport, "response lost")
	})
	tr.fallback = func(m *Mutation) (*core.MutationEvent, error) {
		return nil, core.Errorf(core.KindTransport, "fallback down")
	}
	opts := fastOptions()
	opts.MaxAttempts = 100
	opts.BreakerThreshold = 100
	r := NewReconciler("c1", "tok", tr, Callbacks{}, opts)
	defer r.Close()

	seedObject(r, "o1", 1)
	corrID, err := r.Update("o1", []byte(`{"fillColor":"#f00"}`))
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	r.HandleEvent(&core.MutationEvent{
		Type:     core.MutationUpdate,
		CanvasID: "c1",
		Seq:      2,
		Object: &core.CanvasObject{
			ID: "o1", CanvasID: "c1", Kind: core.KindRectangle,
			Props: core.ObjectProps{FillColor: core.String("#f00")},
			Seq:   2,
		},
		ObjectID:      "o1",
		CorrelationID: corrID,
	})

	waitState(t, r, corrID, StateConfirmed)
	close(gate)

	// The late transport failure must not flip a confirmed mutation back.
	time.Sleep(20 * time.Millisecond)
	if state, _ := r.MutationState(corrID); state != StateConfirmed {
		t.Errorf("state regressed to %s after late failure", state)
	}
}

func TestCloseCancelsInFlightWork(t *testing.T) {
	gate := make(chan struct{})
	tr := &scriptedTransport{}
	tr.setLive(func(m *Mutation) (*core.MutationEvent, error) {
		<-gate
		return confirmCreate(m, 1)
	})
	r := NewReconciler("c1", "tok", tr, Callbacks{}, fastOptions())

	if _, err := r.Create(core.KindRectangle, []byte(`{"x":1,"y":1,"width":10,"height":10}`)); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	r.Close()
	close(gate)

	// The late success must not apply after Close.
	time.Sleep(20 * time.Millisecond)
	if r.LastSeq() != 0 {
		t.Error("late response applied after Close")
	}

	if _, err := r.Create(core.KindRectangle, []byte(`{"x":1,"y":1,"width":10,"height":10}`)); err == nil {
		t.Error("closed session accepted new work")
	}
}
