package engine

import (
	"canvas-sync/auth"
	"canvas-sync/core"
	"canvas-sync/live"
	"canvas-sync/permission"
	"canvas-sync/ratelimit"
	"canvas-sync/validate"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store is the authoritative backend the engine commits to.
type Store interface {
	core.ObjectStore
	core.CanvasMetaStore
}

// Operation names handed to the rate limiter.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpJoin   = "join"
	OpExport = "export"
)

type (
	// MutationRequest is one mutation intent, arriving over either transport.
	// Token rides in the request itself: neither transport may rely on
	// ambient connection state for identity, so the live channel and the
	// fallback path stay structurally symmetric.
	MutationRequest struct {
		Token    string
		CanvasID string
		// Kind is required for create.
		Kind core.ObjectKind
		// ObjectID is required for update and delete.
		ObjectID string
		// Payload is the raw business payload; envelope metadata fields are
		// tolerated inside it.
		Payload json.RawMessage
		// CorrelationID is the client-generated token echoed back on the
		// committed event so the originator can resolve its pending state.
		CorrelationID string
	}

	// Engine runs the single mutation pipeline — rate limit, token verify,
	// validate, permission check, store commit, broadcast — for both the live
	// channel and the fallback request path.
	Engine struct {
		store     Store
		snapshots core.SnapshotStore
		gate      *permission.Gate
		validator *validate.Validator
		limiter   ratelimit.Limiter
		registry  *live.Registry
		router    *live.Router

		// mu guards commitLocks. Each canvas gets one lock held across
		// commit and fan-out, so subscriber queues fill in sequence order.
		mu          sync.Mutex
		commitLocks map[string]*sync.Mutex
	}
)

// New wires an engine over the given backends. snapshots may be nil if the
// export feature is not configured.
func New(store Store, snapshots core.SnapshotStore, limiter ratelimit.Limiter, registry *live.Registry) *Engine {
	return &Engine{
		store:       store,
		snapshots:   snapshots,
		gate:        permission.NewGate(store),
		validator:   validate.Default(),
		limiter:     limiter,
		registry:    registry,
		router:      live.NewRouter(registry),
		commitLocks: make(map[string]*sync.Mutex),
	}
}

// commitLock returns the canvas's commit lock. Holding it from store commit
// through fan-out keeps the store's sequence numbers and the order events
// enter each subscriber queue in lockstep: without it, two commits could
// release the store and enqueue in swapped order, and a subscriber's seq
// dedup would then drop the earlier event permanently.
func (e *Engine) commitLock(canvasID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.commitLocks[canvasID]
	if !ok {
		l = &sync.Mutex{}
		e.commitLocks[canvasID] = l
	}
	return l
}

// Registry exposes the live connection registry to the transports.
func (e *Engine) Registry() *live.Registry { return e.registry }

// authorize runs the shared front of the pipeline: verify the token, admit
// through the rate limiter, and check the permission level.
func (e *Engine) authorize(ctx context.Context, token, canvasID, op string, level permission.Level) (*core.Identity, error) {
	identity, err := auth.Verify(token)
	if err != nil {
		return nil, err
	}
	if !e.limiter.Admit(identity.Subject, op) {
		return nil, core.Errorf(core.KindRateLimited, "operation %s throttled, retry later", op)
	}
	if err := e.gate.Check(ctx, identity, canvasID, level); err != nil {
		return nil, err
	}
	return identity, nil
}

// Create validates and commits a new object, then fans the committed event
// out to every other subscriber. The originator's subscription is excluded:
// it already holds the object optimistically, and its confirmation is the
// returned event (or the fallback response body).
func (e *Engine) Create(ctx context.Context, req MutationRequest, originSubID string) (*core.MutationEvent, error) {
	identity, err := e.authorize(ctx, req.Token, req.CanvasID, OpCreate, permission.LevelEdit)
	if err != nil {
		return nil, err
	}

	props, err := e.validator.Validate(req.Payload, req.Kind)
	if err != nil {
		return nil, err
	}

	l := e.commitLock(req.CanvasID)
	l.Lock()
	defer l.Unlock()

	obj, err := e.store.CreateObject(ctx, req.CanvasID, req.Kind, props, identity.Subject)
	if err != nil {
		return nil, err
	}

	event := &core.MutationEvent{
		Type:          core.MutationCreate,
		CanvasID:      req.CanvasID,
		Seq:           obj.Seq,
		Object:        obj,
		ObjectID:      obj.ID,
		Actor:         identity.Subject,
		CorrelationID: req.CorrelationID,
		CommittedAt:   time.Now(),
	}
	e.broadcast(event, originSubID)
	return event, nil
}

// Update validates the partial payload, commits it, and fans the committed
// event out, excluding the originator's subscription.
func (e *Engine) Update(ctx context.Context, req MutationRequest, originSubID string) (*core.MutationEvent, error) {
	identity, err := e.authorize(ctx, req.Token, req.CanvasID, OpUpdate, permission.LevelEdit)
	if err != nil {
		return nil, err
	}

	l := e.commitLock(req.CanvasID)
	l.Lock()
	defer l.Unlock()

	current, err := e.store.GetObject(ctx, req.CanvasID, req.ObjectID)
	if err != nil {
		return nil, err
	}

	changes, err := e.validator.ValidateUpdate(req.Payload, current.Kind)
	if err != nil {
		return nil, err
	}

	obj, err := e.store.UpdateObject(ctx, req.CanvasID, req.ObjectID, changes)
	if err != nil {
		return nil, err
	}

	event := &core.MutationEvent{
		Type:          core.MutationUpdate,
		CanvasID:      req.CanvasID,
		Seq:           obj.Seq,
		Object:        obj,
		ObjectID:      obj.ID,
		Changes:       &changes,
		Actor:         identity.Subject,
		CorrelationID: req.CorrelationID,
		CommittedAt:   time.Now(),
	}
	e.broadcast(event, originSubID)
	return event, nil
}

// Delete commits a hard delete and fans the event out to every subscriber,
// originator included: the delete confirmation is what lets the originator
// clear its pending state.
func (e *Engine) Delete(ctx context.Context, req MutationRequest, originSubID string) (*core.MutationEvent, error) {
	identity, err := e.authorize(ctx, req.Token, req.CanvasID, OpDelete, permission.LevelEdit)
	if err != nil {
		return nil, err
	}

	l := e.commitLock(req.CanvasID)
	l.Lock()
	defer l.Unlock()

	seq, err := e.store.DeleteObject(ctx, req.CanvasID, req.ObjectID)
	if err != nil {
		return nil, err
	}

	event := &core.MutationEvent{
		Type:          core.MutationDelete,
		CanvasID:      req.CanvasID,
		Seq:           seq,
		ObjectID:      req.ObjectID,
		Actor:         identity.Subject,
		CorrelationID: req.CorrelationID,
		CommittedAt:   time.Now(),
	}
	e.broadcast(event, "")
	return event, nil
}

func (e *Engine) broadcast(event *core.MutationEvent, excludeSubID string) {
	logrus.WithFields(logrus.Fields{
		"canvas_id": event.CanvasID,
		"object_id": event.ObjectID,
		"type":      event.Type,
		"seq":       event.Seq,
	}).Debug("broadcasting committed mutation")
	e.router.Broadcast(event.CanvasID, event.Name(), event, excludeSubID)
}

// Join subscribes a live connection to a canvas and returns the subscription
// id plus the snapshot the client resumes from.
func (e *Engine) Join(ctx context.Context, token, canvasID string, conn live.Conn) (string, *core.CanvasSnapshot, error) {
	identity, err := e.authorize(ctx, token, canvasID, OpJoin, permission.LevelView)
	if err != nil {
		return "", nil, err
	}

	// Snapshot and subscribe under the commit lock so no event committed in
	// between is missing from both the snapshot and the subscription.
	l := e.commitLock(canvasID)
	l.Lock()
	objects, seq, err := e.store.SnapshotObjects(ctx, canvasID)
	if err != nil {
		l.Unlock()
		return "", nil, err
	}
	subID := e.registry.Subscribe(identity.Subject, canvasID, conn)
	l.Unlock()
	snapshot := &core.CanvasSnapshot{
		CanvasID: canvasID,
		Objects:  objects,
		Seq:      seq,
	}

	logrus.WithFields(logrus.Fields{
		"canvas_id":       canvasID,
		"subject":         identity.Subject,
		"subscription_id": subID,
		"objects":         len(objects),
		"seq":             seq,
	}).Info("canvas joined")
	return subID, snapshot, nil
}

// Leave releases a live subscription. Unknown ids are a no-op.
func (e *Engine) Leave(subID string) {
	e.registry.Unsubscribe(subID)
}

// Resume serves the fallback read path: the same snapshot Join delivers, for
// clients whose live channel is down.
func (e *Engine) Resume(ctx context.Context, token, canvasID string) (*core.CanvasSnapshot, error) {
	_, err := e.authorize(ctx, token, canvasID, OpJoin, permission.LevelView)
	if err != nil {
		return nil, err
	}

	objects, seq, err := e.store.SnapshotObjects(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	return &core.CanvasSnapshot{CanvasID: canvasID, Objects: objects, Seq: seq}, nil
}

// Export archives the canvas's current object set to the snapshot store and
// returns the archive id.
func (e *Engine) Export(ctx context.Context, token, canvasID string) (string, error) {
	_, err := e.authorize(ctx, token, canvasID, OpExport, permission.LevelView)
	if err != nil {
		return "", err
	}
	if e.snapshots == nil {
		return "", core.Errorf(core.KindInternal, "snapshot storage not configured")
	}

	objects, seq, err := e.store.SnapshotObjects(ctx, canvasID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(&core.CanvasSnapshot{CanvasID: canvasID, Objects: objects, Seq: seq})
	if err != nil {
		return "", core.WrapErr(core.KindInternal, err, "failed to marshal snapshot")
	}
	return e.snapshots.SaveSnapshot(ctx, canvasID, data)
}

// LoadExport fetches a previously archived snapshot.
func (e *Engine) LoadExport(ctx context.Context, token, canvasID, snapshotID string) ([]byte, error) {
	_, err := e.authorize(ctx, token, canvasID, OpExport, permission.LevelView)
	if err != nil {
		return nil, err
	}
	if e.snapshots == nil {
		return nil, core.Errorf(core.KindInternal, "snapshot storage not configured")
	}
	return e.snapshots.LoadSnapshot(ctx, canvasID, snapshotID)
}
