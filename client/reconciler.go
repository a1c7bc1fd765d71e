package client

import (
	"canvas-sync/core"
	"canvas-sync/validate"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"sync"
)

// State is the lifecycle of one pending mutation.
type State string

const (
	StatePending   State = "pending"
	StateRetrying  State = "retrying"
	StateConfirmed State = "confirmed"
	StateAbandoned State = "abandoned"
)

// ErrUnavailable marks operations refused because the circuit breaker for
// this canvas/operation pair has tripped. Only an explicit reset (canvas
// re-navigation) clears it.
var ErrUnavailable = errors.New("canvas unavailable")

type (
	// Callbacks notify the user-facing layer. Abandonment is never silent:
	// OnAbandoned fires after optimistic state has been rolled back so the UI
	// can show a retry affordance.
	Callbacks struct {
		OnAbandoned   func(m *Mutation, err error)
		OnUnavailable func(canvasID string, op core.MutationType)
	}

	// Options tune retry behavior.
	Options struct {
		Backoff          Backoff
		MaxAttempts      int
		BreakerThreshold int
		SendTimeout      time.Duration
	}

	pendingMutation struct {
		mutation *Mutation
		state    State
		attempts int
		lastErr  error
		timer    *time.Timer
		// prior is the last-confirmed object state, kept for rollback of
		// update/delete mutations.
		prior *core.CanvasObject
		// hadPrior distinguishes "object did not exist" from "no rollback
		// needed".
		hadPrior bool
	}

	// Reconciler merges local optimistic edits with authoritative server
	// events for one canvas session. It is effectively single-threaded per
	// session: all state mutation happens under one lock, and suspension only
	// occurs at transport boundaries.
	Reconciler struct {
		mu        sync.Mutex
		canvasID  string
		token     string
		transport Transport
		opts      Options
		cb        Callbacks
		validator *validate.Validator

		// objects is the local replica of confirmed state, keyed by object id.
		objects map[string]*core.CanvasObject
		// optimistic holds not-yet-confirmed creates, keyed by correlation id
		// (the server has not assigned an object id yet).
		optimistic map[string]*core.CanvasObject
		pending    map[string]*pendingMutation
		lastSeq    uint64
		breakers   map[core.MutationType]*breaker
		closed     bool
	}
)

// DefaultOptions retries five times against a five-failure breaker.
var DefaultOptions = Options{
	Backoff:          DefaultBackoff,
	MaxAttempts:      5,
	BreakerThreshold: 5,
	SendTimeout:      5 * time.Second,
}

// NewReconciler builds a session for one canvas. token authenticates every
// outbound mutation; refresh it with SetToken.
func NewReconciler(canvasID, token string, transport Transport, cb Callbacks, opts Options) *Reconciler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = DefaultOptions.BreakerThreshold
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultOptions.Backoff
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultOptions.SendTimeout
	}
	return &Reconciler{
		canvasID:   canvasID,
		token:      token,
		transport:  transport,
		opts:       opts,
		cb:         cb,
		validator:  validate.Default(),
		objects:    make(map[string]*core.CanvasObject),
		optimistic: make(map[string]*core.CanvasObject),
		pending:    make(map[string]*pendingMutation),
		breakers:   make(map[core.MutationType]*breaker),
	}
}

// SetToken replaces the session credential after an external refresh.
func (r *Reconciler) SetToken(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

// ApplySnapshot resets local state to the joined_canvas snapshot and the
// sequence number to resume from.
func (r *Reconciler) ApplySnapshot(snap *core.CanvasSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || snap.CanvasID != r.canvasID {
		return
	}
	r.objects = make(map[string]*core.CanvasObject, len(snap.Objects))
	for _, obj := range snap.Objects {
		r.objects[obj.ID] = obj.Clone()
	}
	r.lastSeq = snap.Seq
}

// Create validates the payload locally, applies it optimistically and
// schedules delivery. It returns the correlation id of the pending mutation.
func (r *Reconciler) Create(kind core.ObjectKind, payload []byte) (string, error) {
	props, err := r.validator.Validate(payload, kind)
	if err != nil {
		// validation_error is never retried, and there is nothing optimistic
		// to roll back.
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", core.Errorf(core.KindTransport, "session closed")
	}
	if err := r.checkBreakerLocked(core.MutationCreate); err != nil {
		return "", err
	}

	corrID := uuid.NewString()
	r.optimistic[corrID] = &core.CanvasObject{
		ID:       "local:" + corrID,
		CanvasID: r.canvasID,
		Kind:     kind,
		Props:    props,
	}
	r.enqueueLocked(&Mutation{
		Type:          core.MutationCreate,
		CanvasID:      r.canvasID,
		Kind:          kind,
		Payload:       payload,
		CorrelationID: corrID,
	}, nil, false)
	return corrID, nil
}

// Update validates the partial payload, merges it into the local replica
// optimistically and schedules delivery.
func (r *Reconciler) Update(objectID string, payload []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", core.Errorf(core.KindTransport, "session closed")
	}
	if err := r.checkBreakerLocked(core.MutationUpdate); err != nil {
		return "", err
	}

	current, ok := r.objects[objectID]
	if !ok {
		return "", core.Errorf(core.KindNotFound, "object %s not known locally", objectID)
	}

	changes, err := r.validator.ValidateUpdate(payload, current.Kind)
	if err != nil {
		return "", err
	}

	prior := current.Clone()
	current.Props = current.Props.Merge(changes)

	corrID := uuid.NewString()
	r.enqueueLocked(&Mutation{
		Type:          core.MutationUpdate,
		CanvasID:      r.canvasID,
		ObjectID:      objectID,
		Payload:       payload,
		CorrelationID: corrID,
	}, prior, true)
	return corrID, nil
}

// Delete removes the object optimistically and schedules delivery.
func (r *Reconciler) Delete(objectID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", core.Errorf(core.KindTransport, "session closed")
	}
	if err := r.checkBreakerLocked(core.MutationDelete); err != nil {
		return "", err
	}

	current, ok := r.objects[objectID]
	if !ok {
		return "", core.Errorf(core.KindNotFound, "object %s not known locally", objectID)
	}
	prior := current.Clone()
	delete(r.objects, objectID)

	corrID := uuid.NewString()
	r.enqueueLocked(&Mutation{
		Type:          core.MutationDelete,
		CanvasID:      r.canvasID,
		ObjectID:      objectID,
		CorrelationID: corrID,
	}, prior, true)
	return corrID, nil
}

func (r *Reconciler) checkBreakerLocked(op core.MutationType) error {
	if r.breakerLocked(op).Tripped() {
		return core.WrapErr(core.KindTransport, ErrUnavailable, string(op)+" halted for this canvas")
	}
	return nil
}

func (r *Reconciler) breakerLocked(op core.MutationType) *breaker {
	b, ok := r.breakers[op]
	if !ok {
		b = newBreaker(r.opts.BreakerThreshold)
		r.breakers[op] = b
	}
	return b
}

func (r *Reconciler) enqueueLocked(m *Mutation, prior *core.CanvasObject, hadPrior bool) {
	pm := &pendingMutation{
		mutation: m,
		state:    StatePending,
		prior:    prior,
		hadPrior: hadPrior,
	}
	r.pending[m.CorrelationID] = pm
	go r.attempt(m.CorrelationID)
}

// attempt performs one delivery try: the live channel first, then — on a
// transport failure — the fallback path once before the attempt counts as
// failed.
func (r *Reconciler) attempt(corrID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	pm, ok := r.pending[corrID]
	if !ok || pm.state == StateConfirmed || pm.state == StateAbandoned {
		r.mu.Unlock()
		return
	}
	pm.attempts++
	m := pm.mutation
	token := r.token
	timeout := r.opts.SendTimeout
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	event, err := r.transport.SendLive(ctx, token, m)
	if err != nil && core.IsKind(err, core.KindTransport) {
		logrus.WithFields(logrus.Fields{
			"canvas_id":      m.CanvasID,
			"correlation_id": corrID,
			"error":          err,
		}).Debug("live send failed, trying fallback path")
		event, err = r.transport.SendFallback(ctx, token, m)
	}

	if err != nil {
		r.failure(corrID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		// The session ended while the send was in flight; a canceled
		// mutation must not apply late.
		return
	}
	r.applyEventLocked(event)
}

func (r *Reconciler) failure(corrID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	pm, ok := r.pending[corrID]
	if !ok || pm.state == StateConfirmed || pm.state == StateAbandoned {
		return
	}
	pm.lastErr = err

	op := pm.mutation.Type
	br := r.breakerLocked(op)
	justTripped := br.Failure()

	kind := core.KindOf(err)
	switch {
	case !kind.Retryable():
		r.abandonLocked(pm, err)
	case br.Tripped():
		r.abandonLocked(pm, err)
	case pm.attempts >= r.opts.MaxAttempts:
		r.abandonLocked(pm, err)
	default:
		pm.state = StateRetrying
		delay := r.opts.Backoff.Delay(pm.attempts)
		corr := corrID
		pm.timer = time.AfterFunc(delay, func() { r.attempt(corr) })
		logrus.WithFields(logrus.Fields{
			"canvas_id":      r.canvasID,
			"correlation_id": corrID,
			"attempt":        pm.attempts,
			"delay":          delay,
			"kind":           kind,
		}).Debug("mutation retry scheduled")
	}

	if justTripped {
		// The breaker halts every pending mutation of this operation type on
		// this canvas; nothing resumes until an explicit reset.
		for _, other := range r.pending {
			if other.mutation.Type == op && (other.state == StatePending || other.state == StateRetrying) {
				r.abandonLocked(other, core.WrapErr(core.KindTransport, ErrUnavailable, "circuit breaker tripped"))
			}
		}
		if r.cb.OnUnavailable != nil {
			canvasID := r.canvasID
			go r.cb.OnUnavailable(canvasID, op)
		}
		logrus.WithFields(logrus.Fields{
			"canvas_id": r.canvasID,
			"op":        op,
		}).Warn("circuit breaker tripped")
	}
}

// abandonLocked rolls optimistic state back to last-confirmed and notifies
// the user-facing layer.
func (r *Reconciler) abandonLocked(pm *pendingMutation, err error) {
	if pm.state == StateAbandoned || pm.state == StateConfirmed {
		return
	}
	pm.state = StateAbandoned
	if pm.timer != nil {
		pm.timer.Stop()
		pm.timer = nil
	}

	m := pm.mutation
	switch m.Type {
	case core.MutationCreate:
		delete(r.optimistic, m.CorrelationID)
	case core.MutationUpdate:
		if pm.hadPrior && pm.prior != nil {
			// Only restore if the object is still present and no newer
			// authoritative write landed while the mutation was pending. An
			// absent object means a delete event won the race; rolling back
			// would resurrect it.
			current, ok := r.objects[m.ObjectID]
			if ok && current.Seq <= pm.prior.Seq {
				r.objects[m.ObjectID] = pm.prior
			}
		}
	case core.MutationDelete:
		if pm.hadPrior && pm.prior != nil {
			// The optimistic delete removed the object; put it back unless an
			// authoritative write re-established it in the meantime.
			if _, ok := r.objects[m.ObjectID]; !ok {
				r.objects[m.ObjectID] = pm.prior
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"canvas_id":      r.canvasID,
		"correlation_id": m.CorrelationID,
		"type":           m.Type,
		"error":          err,
	}).Warn("mutation abandoned")
	if r.cb.OnAbandoned != nil {
		go r.cb.OnAbandoned(m, err)
	}
}

// HandleEvent feeds an inbound live-channel event into the session.
func (r *Reconciler) HandleEvent(event *core.MutationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || event.CanvasID != r.canvasID {
		return
	}
	r.applyEventLocked(event)
}

// applyEventLocked applies one authoritative event: resolve any matching
// pending mutation, then apply the state change unless the sequence guard
// says it was already applied (idempotence under at-least-once delivery).
func (r *Reconciler) applyEventLocked(event *core.MutationEvent) {
	if pm, ok := r.pending[event.CorrelationID]; ok && pm.state != StateAbandoned && pm.state != StateConfirmed {
		pm.state = StateConfirmed
		if pm.timer != nil {
			pm.timer.Stop()
			pm.timer = nil
		}
		pm.prior = nil
		r.breakerLocked(pm.mutation.Type).Success()
		if pm.mutation.Type == core.MutationCreate {
			// The authoritative object replaces the optimistic local one.
			delete(r.optimistic, event.CorrelationID)
			pm.mutation.ObjectID = event.ObjectID
		}
	}

	if event.Seq <= r.lastSeq {
		logrus.WithFields(logrus.Fields{
			"canvas_id": r.canvasID,
			"seq":       event.Seq,
			"last_seq":  r.lastSeq,
		}).Debug("discarding already-applied event")
		return
	}

	switch event.Type {
	case core.MutationCreate, core.MutationUpdate:
		if event.Object != nil {
			r.objects[event.ObjectID] = event.Object.Clone()
		}
	case core.MutationDelete:
		delete(r.objects, event.ObjectID)
	}
	r.lastSeq = event.Seq
}

// MutationState reports the state and last error of a pending mutation.
func (r *Reconciler) MutationState(corrID string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pm, ok := r.pending[corrID]
	if !ok {
		return "", core.Errorf(core.KindNotFound, "no mutation with correlation id %s", corrID)
	}
	return pm.state, pm.lastErr
}

// Objects returns clones of the current local view: confirmed replicas plus
// optimistic creates.
func (r *Reconciler) Objects() []*core.CanvasObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*core.CanvasObject, 0, len(r.objects)+len(r.optimistic))
	for _, obj := range r.objects {
		out = append(out, obj.Clone())
	}
	for _, obj := range r.optimistic {
		out = append(out, obj.Clone())
	}
	return out
}

// Object returns a clone of one confirmed object, or nil.
func (r *Reconciler) Object(objectID string) *core.CanvasObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects[objectID].Clone()
}

// LastSeq returns the highest applied sequence number.
func (r *Reconciler) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// Tripped reports whether the breaker for the operation has halted retries.
func (r *Reconciler) Tripped(op core.MutationType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakerLocked(op).Tripped()
}

// ResetBreaker re-arms the breaker for one operation type. This is the
// explicit external reset (canvas re-navigation); nothing resumes without it.
func (r *Reconciler) ResetBreaker(op core.MutationType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakerLocked(op).Reset()
}

// Close ends the session: all retry timers are canceled and late responses
// are dropped. The reconciler accepts no further work.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, pm := range r.pending {
		if pm.timer != nil {
			pm.timer.Stop()
			pm.timer = nil
		}
	}
}
