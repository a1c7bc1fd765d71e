package memory

import (
	"canvas-sync/core"
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// canvasState holds one canvas's objects and its sequence counter. The mutex
// serializes writes to the canvas; different canvases lock independently.
type canvasState struct {
	mu      sync.Mutex
	objects map[string]*core.CanvasObject
	seq     uint64
}

// Store is the in-memory object and canvas-metadata store. It is the default
// backend and the one the tests run against.
type Store struct {
	mu       sync.RWMutex
	canvases map[string]*core.Canvas
	states   map[string]*canvasState
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		canvases: make(map[string]*core.Canvas),
		states:   make(map[string]*canvasState),
	}
}

func (s *Store) state(canvasID string, create bool) *canvasState {
	s.mu.RLock()
	st, ok := s.states[canvasID]
	s.mu.RUnlock()
	if ok || !create {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.states[canvasID]; ok {
		return st
	}
	st = &canvasState{objects: make(map[string]*core.CanvasObject)}
	s.states[canvasID] = st
	return st
}

// CreateObject commits a new object, assigning its id and the next per-canvas
// sequence number atomically.
func (s *Store) CreateObject(ctx context.Context, canvasID string, kind core.ObjectKind, props core.ObjectProps, creator string) (*core.CanvasObject, error) {
	st := s.state(canvasID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	st.seq++
	obj := &core.CanvasObject{
		ID:        ulid.Make().String(),
		CanvasID:  canvasID,
		Kind:      kind,
		Props:     props,
		CreatedBy: creator,
		CreatedAt: now,
		UpdatedAt: now,
		Seq:       st.seq,
	}
	st.objects[obj.ID] = obj

	logrus.WithFields(logrus.Fields{
		"canvas_id": canvasID,
		"object_id": obj.ID,
		"kind":      kind,
		"seq":       obj.Seq,
	}).Debug("object created")
	return obj.Clone(), nil
}

// UpdateObject overlays changes onto the stored object and bumps its sequence
// number and timestamp.
func (s *Store) UpdateObject(ctx context.Context, canvasID, objectID string, changes core.ObjectProps) (*core.CanvasObject, error) {
	st := s.state(canvasID, false)
	if st == nil {
		return nil, core.Errorf(core.KindNotFound, "object %s not found on canvas %s", objectID, canvasID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	obj, ok := st.objects[objectID]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "object %s not found on canvas %s", objectID, canvasID)
	}

	st.seq++
	obj.Props = obj.Props.Merge(changes)
	obj.UpdatedAt = time.Now()
	obj.Seq = st.seq

	logrus.WithFields(logrus.Fields{
		"canvas_id": canvasID,
		"object_id": objectID,
		"seq":       obj.Seq,
	}).Debug("object updated")
	return obj.Clone(), nil
}

// DeleteObject removes the object and returns the sequence number assigned to
// the deletion.
func (s *Store) DeleteObject(ctx context.Context, canvasID, objectID string) (uint64, error) {
	st := s.state(canvasID, false)
	if st == nil {
		return 0, core.Errorf(core.KindNotFound, "object %s not found on canvas %s", objectID, canvasID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.objects[objectID]; !ok {
		return 0, core.Errorf(core.KindNotFound, "object %s not found on canvas %s", objectID, canvasID)
	}

	st.seq++
	delete(st.objects, objectID)

	logrus.WithFields(logrus.Fields{
		"canvas_id": canvasID,
		"object_id": objectID,
		"seq":       st.seq,
	}).Debug("object deleted")
	return st.seq, nil
}

// GetObject returns the current committed state of one object.
func (s *Store) GetObject(ctx context.Context, canvasID, objectID string) (*core.CanvasObject, error) {
	st := s.state(canvasID, false)
	if st == nil {
		return nil, core.Errorf(core.KindNotFound, "object %s not found on canvas %s", objectID, canvasID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	obj, ok := st.objects[objectID]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "object %s not found on canvas %s", objectID, canvasID)
	}
	return obj.Clone(), nil
}

// SnapshotObjects returns clones of all current objects plus the highest
// sequence number the snapshot reflects.
func (s *Store) SnapshotObjects(ctx context.Context, canvasID string) ([]*core.CanvasObject, uint64, error) {
	st := s.state(canvasID, false)
	if st == nil {
		return []*core.CanvasObject{}, 0, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	objects := make([]*core.CanvasObject, 0, len(st.objects))
	for _, obj := range st.objects {
		objects = append(objects, obj.Clone())
	}
	return objects, st.seq, nil
}

// GetCanvas returns canvas metadata or a not_found-kind error.
func (s *Store) GetCanvas(ctx context.Context, id string) (*core.Canvas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	canvas, ok := s.canvases[id]
	if !ok {
		logrus.WithField("canvas_id", id).Warn("canvas not found")
		return nil, core.Errorf(core.KindNotFound, "canvas %s not found", id)
	}
	cp := *canvas
	return &cp, nil
}

// PutCanvas registers canvas metadata.
func (s *Store) PutCanvas(ctx context.Context, canvas *core.Canvas) error {
	if canvas.ID == "" {
		return core.Errorf(core.KindValidation, "canvas id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cp := *canvas
	if existing, ok := s.canvases[canvas.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.canvases[canvas.ID] = &cp

	logrus.WithField("canvas_id", canvas.ID).Info("canvas metadata saved")
	return nil
}
