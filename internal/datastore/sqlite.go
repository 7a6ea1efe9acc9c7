package datastore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/plenumd/plenum/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is an in-process Datastore backed by SQLite. It serves tests
// and single-binary deployments where no external datastore service runs.
// Uses WAL mode for concurrent read access during writes.
type SQLiteStore struct {
	db *sql.DB
}

var _ Datastore = (*SQLiteStore)(nil)

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically; idempotent.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent request load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Get implements Datastore.
func (s *SQLiteStore) Get(ctx context.Context, fqid string, fields []string) (model.Object, error) {
	var data string
	var deleted bool
	err := s.db.QueryRowContext(ctx,
		`SELECT data, deleted FROM models WHERE fqid = ?`, fqid,
	).Scan(&data, &deleted)
	if err == sql.ErrNoRows {
		return nil, NewNotFound(fqid)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", fqid, err)
	}
	if deleted {
		return nil, NewDeleted(fqid)
	}
	obj, err := model.DecodeObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("get %s: decode: %w", fqid, err)
	}
	return project(obj, fields), nil
}

// GetMany implements Datastore. Missing and deleted ids are silently absent.
func (s *SQLiteStore) GetMany(ctx context.Context, reqs []GetManyRequest) (map[string]map[int]model.Object, error) {
	out := make(map[string]map[int]model.Object)
	for _, req := range reqs {
		for _, id := range req.IDs {
			obj, err := s.Get(ctx, model.FQID(req.Collection, id), req.Fields)
			if err != nil {
				if IsNotFound(err) || IsDeleted(err) {
					continue
				}
				return nil, err
			}
			if out[req.Collection] == nil {
				out[req.Collection] = make(map[int]model.Object)
			}
			out[req.Collection][id] = obj
		}
	}
	return out, nil
}

// Filter implements Datastore by scanning the collection and evaluating the
// predicate tree in process.
func (s *SQLiteStore) Filter(ctx context.Context, collectionName string, filter Filter, fields []string) (map[int]model.Object, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM models WHERE collection = ? AND deleted = 0 ORDER BY id`,
		collectionName,
	)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", collectionName, err)
	}
	defer rows.Close()

	out := make(map[int]model.Object)
	for rows.Next() {
		var id int
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("filter %s: %w", collectionName, err)
		}
		obj, err := model.DecodeObject([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("filter %s: decode id %d: %w", collectionName, id, err)
		}
		if filter == nil || Eval(filter, obj) {
			out[id] = project(obj, fields)
		}
	}
	return out, rows.Err()
}

// ReserveIDs implements Datastore. Ids are dense and monotonic per
// collection.
func (s *SQLiteStore) ReserveIDs(ctx context.Context, collectionName string, count int) ([]int, error) {
	if count <= 0 {
		return nil, fmt.Errorf("reserve ids: count must be positive, got %d", count)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reserve ids: %w", err)
	}
	defer tx.Rollback()

	next := 1
	err = tx.QueryRowContext(ctx,
		`SELECT next_id FROM id_sequences WHERE collection = ?`, collectionName,
	).Scan(&next)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("reserve ids: %w", err)
	}

	ids := make([]int, count)
	for i := range ids {
		ids[i] = next + i
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO id_sequences (collection, next_id) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET next_id = excluded.next_id
	`, collectionName, next+count)
	if err != nil {
		return nil, fmt.Errorf("reserve ids: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("reserve ids: %w", err)
	}
	return ids, nil
}

// CurrentPosition implements Datastore.
func (s *SQLiteStore) CurrentPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM events`,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("current position: %w", err)
	}
	return pos, nil
}

// Write implements Datastore. The whole batch commits in one transaction;
// a stale lock rolls everything back.
func (s *SQLiteStore) Write(ctx context.Context, req WriteRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkLocks(ctx, tx, req); err != nil {
		return err
	}

	for _, event := range req.Events {
		if err := s.applyEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkLocks(ctx context.Context, tx *sql.Tx, req WriteRequest) error {
	if len(req.LockedFQIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(req.LockedFQIDs)), ",")
	args := make([]any, 0, len(req.LockedFQIDs)+1)
	for _, fqid := range req.LockedFQIDs {
		args = append(args, fqid)
	}
	args = append(args, req.Position)

	var changed int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE fqid IN (`+placeholders+`) AND position > ?`,
		args...,
	).Scan(&changed)
	if err != nil {
		return fmt.Errorf("write: lock check: %w", err)
	}
	if changed > 0 {
		return NewStale(fmt.Sprintf("%d locked fingerprints changed since position %d", changed, req.Position))
	}
	return nil
}

// applyEvent records the event in the log and folds it into the
// materialized models table.
func (s *SQLiteStore) applyEvent(ctx context.Context, tx *sql.Tx, event Event) error {
	payload, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("write: encode event: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (fqid, type, payload) VALUES (?, ?, ?)`,
		event.FQID, string(event.Type), string(payload),
	)
	if err != nil {
		return fmt.Errorf("write: log event: %w", err)
	}
	position, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("write: log event: %w", err)
	}

	collectionName, id, err := model.SplitFQID(event.FQID)
	if err != nil {
		return &Error{Code: ErrCodeInvariant, FQID: event.FQID, Message: err.Error()}
	}

	switch event.Type {
	case EventCreate:
		return s.applyCreate(ctx, tx, event, collectionName, id, position)
	case EventUpdate, EventDeleteFields, EventListUpdate:
		return s.applyMutation(ctx, tx, event, position)
	case EventDelete:
		_, err := tx.ExecContext(ctx,
			`UPDATE models SET deleted = 1, position = ? WHERE fqid = ?`,
			position, event.FQID,
		)
		if err != nil {
			return fmt.Errorf("write: delete %s: %w", event.FQID, err)
		}
		return nil
	case EventRestore:
		_, err := tx.ExecContext(ctx,
			`UPDATE models SET deleted = 0, position = ? WHERE fqid = ?`,
			position, event.FQID,
		)
		if err != nil {
			return fmt.Errorf("write: restore %s: %w", event.FQID, err)
		}
		return nil
	default:
		return &Error{Code: ErrCodeInvariant, FQID: event.FQID,
			Message: fmt.Sprintf("unknown event type %q", event.Type)}
	}
}

func (s *SQLiteStore) applyCreate(ctx context.Context, tx *sql.Tx, event Event, collectionName string, id int, position int64) error {
	var deleted bool
	err := tx.QueryRowContext(ctx,
		`SELECT deleted FROM models WHERE fqid = ?`, event.FQID,
	).Scan(&deleted)
	if err == nil && !deleted {
		return &Error{Code: ErrCodeInvariant, FQID: event.FQID, Message: "create of existing model"}
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("write: create %s: %w", event.FQID, err)
	}

	data, err := model.MarshalCanonical(event.Fields)
	if err != nil {
		return fmt.Errorf("write: create %s: %w", event.FQID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO models (fqid, collection, id, data, deleted, position)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(fqid) DO UPDATE SET data = excluded.data, deleted = 0, position = excluded.position
	`, event.FQID, collectionName, id, string(data), position)
	if err != nil {
		return fmt.Errorf("write: create %s: %w", event.FQID, err)
	}

	// Keep the id sequence ahead of explicitly created ids.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO id_sequences (collection, next_id) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET next_id = MAX(next_id, excluded.next_id)
	`, collectionName, id+1)
	if err != nil {
		return fmt.Errorf("write: create %s: advance sequence: %w", event.FQID, err)
	}
	return nil
}

// applyMutation folds update, delete_fields, and list_update events into the
// stored instance.
func (s *SQLiteStore) applyMutation(ctx context.Context, tx *sql.Tx, event Event, position int64) error {
	var data string
	var deleted bool
	err := tx.QueryRowContext(ctx,
		`SELECT data, deleted FROM models WHERE fqid = ?`, event.FQID,
	).Scan(&data, &deleted)
	if err == sql.ErrNoRows {
		return NewNotFound(event.FQID)
	}
	if err != nil {
		return fmt.Errorf("write: %s %s: %w", event.Type, event.FQID, err)
	}
	if deleted {
		return NewDeleted(event.FQID)
	}

	obj, err := model.DecodeObject([]byte(data))
	if err != nil {
		return fmt.Errorf("write: %s %s: decode: %w", event.Type, event.FQID, err)
	}

	switch event.Type {
	case EventUpdate:
		for field, value := range event.Fields {
			if model.IsNull(value) {
				delete(obj, field)
				continue
			}
			obj[field] = value
		}
	case EventDeleteFields:
		for _, field := range event.FieldNames {
			delete(obj, field)
		}
	case EventListUpdate:
		current, _ := obj[event.Field].(model.List)
		obj[event.Field] = applyListDiff(current, event.Add, event.Remove)
	}

	updated, err := model.MarshalCanonical(obj)
	if err != nil {
		return fmt.Errorf("write: %s %s: %w", event.Type, event.FQID, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE models SET data = ?, position = ? WHERE fqid = ?`,
		string(updated), position, event.FQID,
	)
	if err != nil {
		return fmt.Errorf("write: %s %s: %w", event.Type, event.FQID, err)
	}
	return nil
}

// applyListDiff appends missing add-elements and filters remove-elements,
// preserving the order of survivors.
func applyListDiff(current model.List, add, remove model.List) model.List {
	out := make(model.List, 0, len(current)+len(add))
	for _, elem := range current {
		removed := false
		for _, rem := range remove {
			if model.Equal(elem, rem) {
				removed = true
				break
			}
		}
		if !removed {
			out = append(out, elem)
		}
	}
	for _, elem := range add {
		present := false
		for _, existing := range out {
			if model.Equal(existing, elem) {
				present = true
				break
			}
		}
		if !present {
			out = append(out, elem)
		}
	}
	return out
}

// project returns only the requested fields (plus nothing else); nil keeps
// the full object.
func project(obj model.Object, fields []string) model.Object {
	if fields == nil {
		return obj
	}
	out := make(model.Object, len(fields))
	for _, field := range fields {
		if value, ok := obj[field]; ok {
			out[field] = value
		}
	}
	return out
}
