package sqlite

import (
	"canvas-sync/core"
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store is the durable SQLite-backed object and canvas-metadata store.
// Per-canvas write serialization is enforced with an in-process lock per
// canvas; the sequence counter row is updated in the same transaction as the
// object write, so a commit and its sequence number are atomic.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore opens (and if needed initializes) a SQLite-backed store.
func NewStore(dataSourceName string) *Store {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		log.Fatalf("failed to open sqlite database: %v", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS canvases (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			public INTEGER NOT NULL DEFAULT 0,
			collaborators TEXT,
			created_at DATETIME,
			updated_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS objects (
			id TEXT PRIMARY KEY,
			canvas_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			props TEXT NOT NULL,
			created_by TEXT,
			created_at DATETIME,
			updated_at DATETIME,
			seq INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_objects_canvas ON objects(canvas_id);`,
		`CREATE TABLE IF NOT EXISTS canvas_seq (
			canvas_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err = db.Exec(stmt); err != nil {
			log.Fatalf("failed to initialize sqlite schema: %v", err)
		}
	}

	return &Store{db: db, locks: make(map[string]*sync.Mutex)}
}

// canvasLock returns the per-canvas write lock, creating it on first use.
func (s *Store) canvasLock(canvasID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[canvasID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[canvasID] = l
	}
	return l
}

// nextSeq bumps and returns the canvas sequence counter inside tx. Callers
// hold the canvas lock.
func nextSeq(ctx context.Context, tx *sql.Tx, canvasID string) (uint64, error) {
	var seq uint64
	err := tx.QueryRowContext(ctx, "SELECT seq FROM canvas_seq WHERE canvas_id = ?", canvasID).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		seq = 1
		_, err = tx.ExecContext(ctx, "INSERT INTO canvas_seq (canvas_id, seq) VALUES (?, ?)", canvasID, seq)
	case err == nil:
		seq++
		_, err = tx.ExecContext(ctx, "UPDATE canvas_seq SET seq = ? WHERE canvas_id = ?", seq, canvasID)
	}
	if err != nil {
		return 0, core.WrapErr(core.KindInternal, err, "failed to advance canvas sequence")
	}
	return seq, nil
}

// CreateObject commits a new object with the next per-canvas sequence number.
func (s *Store) CreateObject(ctx context.Context, canvasID string, kind core.ObjectKind, props core.ObjectProps, creator string) (*core.CanvasObject, error) {
	l := s.canvasLock(canvasID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.WrapErr(core.KindInternal, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, canvasID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	obj := &core.CanvasObject{
		ID:        ulid.Make().String(),
		CanvasID:  canvasID,
		Kind:      kind,
		Props:     props,
		CreatedBy: creator,
		CreatedAt: now,
		UpdatedAt: now,
		Seq:       seq,
	}

	propsJSON, err := json.Marshal(obj.Props)
	if err != nil {
		return nil, core.WrapErr(core.KindInternal, err, "failed to marshal props")
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO objects (id, canvas_id, kind, props, created_by, created_at, updated_at, seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		obj.ID, canvasID, string(obj.Kind), string(propsJSON), creator, now, now, seq)
	if err != nil {
		return nil, core.WrapErr(core.KindInternal, err, "failed to insert object")
	}

	if err := tx.Commit(); err != nil {
		return nil, core.WrapErr(core.KindInternal, err, "failed to commit object create")
	}

	logrus.WithFields(logrus.Fields{
		"canvas_id": canvasID,
		"object_id": obj.ID,
		"seq":       seq,
	}).Debug("object created")
	return obj, nil
}

// UpdateObject overlays changes onto the stored object.
func (s *Store) UpdateObject(ctx context.Context, canvasID, objectID string, changes core.ObjectProps) (*core.CanvasObject, error) {
	l := s.canvasLock(canvasID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.WrapErr(core.KindInternal, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	obj, err := scanObject(tx.QueryRowContext(ctx,
		"SELECT id, canvas_id, kind, props, created_by, created_at, updated_at, seq FROM objects WHERE canvas_id = ? AND id = ?",
		canvasID, objectID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, core.Errorf(core.KindNotFound, "object %s not found on canvas %s", objectID, canvasID)
		}
		return nil, core.WrapErr(core.KindInternal, err, "failed to load object")
	}

	seq, err := nextSeq(ctx, tx, canvasID)
	if err != nil {
		return nil, err
	}

	obj.Props = obj.Props.Merge(changes)
	obj.UpdatedAt = time.Now()
	obj.Seq = seq

	propsJSON, err := json.Marshal(obj.Props)
	if err != nil {
		return nil, core.WrapErr(core.KindInternal, err, "failed to marshal props")
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE objects SET props = ?, updated_at = ?, seq = ? WHERE canvas_id = ? AND id = ?",
		string(propsJSON), obj.UpdatedAt, seq, canvasID, objectID)
	if err != nil {
		return nil, core.WrapErr(core.KindInternal, err, "failed to update object")
	}

	if err := tx.Commit(); err != nil {
		return nil, core.WrapErr(core.KindInternal, err, "failed to commit object update")
	}

	logrus.WithFields(logrus.Fields{
		"canvas_id": canvasID,
		"object_id": objectID,
		"seq":       seq,
	}).Debug("object updated")
	return obj, nil
}

// DeleteObject hard-deletes the object and returns the deletion's sequence
// number.
func (s *Store) DeleteObject(ctx context.Context, canvasID, objectID string) (uint64, error) {
	l := s.canvasLock(canvasID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, core.WrapErr(core.KindInternal, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM objects WHERE canvas_id = ? AND id = ?", canvasID, objectID)
	if err != nil {
		return 0, core.WrapErr(core.KindInternal, err, "failed to delete object")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, core.WrapErr(core.KindInternal, err, "failed to read delete result")
	}
	if affected == 0 {
		return 0, core.Errorf(core.KindNotFound, "object %s not found on canvas %s", objectID, canvasID)
	}

	seq, err := nextSeq(ctx, tx, canvasID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, core.WrapErr(core.KindInternal, err, "failed to commit object delete")
	}

	logrus.WithFields(logrus.Fields{
		"canvas_id": canvasID,
		"object_id": objectID,
		"seq":       seq,
	}).Debug("object deleted")
	return seq, nil
}

// GetObject returns one object's committed state.
func (s *Store) GetObject(ctx context.Context, canvasID, objectID string) (*core.CanvasObject, error) {
	obj, err := scanObject(s.db.QueryRowContext(ctx,
		"SELECT id, canvas_id, kind, props, created_by, created_at, updated_at, seq FROM objects WHERE canvas_id = ? AND id = ?",
		canvasID, objectID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, core.Errorf(core.KindNotFound, "object %s not found on canvas %s", objectID, canvasID)
		}
		return nil, core.WrapErr(core.KindInternal, err, "failed to load object")
	}
	return obj, nil
}

// SnapshotObjects returns all current objects plus the canvas sequence
// counter, read under the canvas lock so the pair is consistent.
func (s *Store) SnapshotObjects(ctx context.Context, canvasID string) ([]*core.CanvasObject, uint64, error) {
	l := s.canvasLock(canvasID)
	l.Lock()
	defer l.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, canvas_id, kind, props, created_by, created_at, updated_at, seq FROM objects WHERE canvas_id = ?",
		canvasID)
	if err != nil {
		return nil, 0, core.WrapErr(core.KindInternal, err, "failed to query objects")
	}
	defer rows.Close()

	objects := []*core.CanvasObject{}
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, 0, core.WrapErr(core.KindInternal, err, "failed to scan object")
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, core.WrapErr(core.KindInternal, err, "failed to iterate objects")
	}

	var seq uint64
	err = s.db.QueryRowContext(ctx, "SELECT seq FROM canvas_seq WHERE canvas_id = ?", canvasID).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return nil, 0, core.WrapErr(core.KindInternal, err, "failed to read canvas sequence")
	}
	return objects, seq, nil
}

// GetCanvas returns canvas metadata or a not_found-kind error.
func (s *Store) GetCanvas(ctx context.Context, id string) (*core.Canvas, error) {
	var (
		canvas        core.Canvas
		public        int
		collaborators sql.NullString
	)
	canvas.ID = id
	err := s.db.QueryRowContext(ctx,
		"SELECT owner_id, public, collaborators, created_at, updated_at FROM canvases WHERE id = ?", id).
		Scan(&canvas.OwnerID, &public, &collaborators, &canvas.CreatedAt, &canvas.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, core.Errorf(core.KindNotFound, "canvas %s not found", id)
		}
		return nil, core.WrapErr(core.KindInternal, err, "failed to load canvas")
	}
	canvas.Public = public != 0
	if collaborators.Valid && collaborators.String != "" {
		if err := json.Unmarshal([]byte(collaborators.String), &canvas.Collaborators); err != nil {
			return nil, core.WrapErr(core.KindInternal, err, "failed to unmarshal collaborators")
		}
	}
	return &canvas, nil
}

// PutCanvas inserts or updates canvas metadata.
func (s *Store) PutCanvas(ctx context.Context, canvas *core.Canvas) error {
	if canvas.ID == "" {
		return core.Errorf(core.KindValidation, "canvas id cannot be empty")
	}

	collaborators, err := json.Marshal(canvas.Collaborators)
	if err != nil {
		return core.WrapErr(core.KindInternal, err, "failed to marshal collaborators")
	}
	public := 0
	if canvas.Public {
		public = 1
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO canvases (id, owner_id, public, collaborators, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, public = excluded.public,
			collaborators = excluded.collaborators, updated_at = excluded.updated_at`,
		canvas.ID, canvas.OwnerID, public, string(collaborators), now, now)
	if err != nil {
		return core.WrapErr(core.KindInternal, err, "failed to save canvas")
	}

	logrus.WithField("canvas_id", canvas.ID).Info("canvas metadata saved")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*core.CanvasObject, error) {
	var (
		obj       core.CanvasObject
		kind      string
		propsJSON string
	)
	if err := row.Scan(&obj.ID, &obj.CanvasID, &kind, &propsJSON, &obj.CreatedBy, &obj.CreatedAt, &obj.UpdatedAt, &obj.Seq); err != nil {
		return nil, err
	}
	obj.Kind = core.ObjectKind(kind)
	if err := json.Unmarshal([]byte(propsJSON), &obj.Props); err != nil {
		return nil, err
	}
	return &obj, nil
}
