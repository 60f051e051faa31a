package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stateflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). Definitions and instance data are persisted as JSON documents;
// audit events get a per-instance sequence assigned transactionally.
//
// Custom-behavior closures on actions are process-local and cannot be
// persisted; definitions containing them round-trip with the closure dropped.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// Store. The path should be a file URI, e.g. "file:/path/to/stateflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM definitions WHERE id = ?`, def.ID).Scan(&exists)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "check definition existence").WithCause(err)
	}
	if exists > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow definition %q already registered", def.ID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, initial_state, definition, is_event_driven)
		 VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.InitialState, string(doc), boolToInt(def.IsEventDriven),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert definition").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM definitions WHERE id = ?`, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query definition").WithCause(err)
	}

	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(doc), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) UpdateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE definitions
		 SET name = ?, initial_state = ?, definition = ?, is_event_driven = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		def.Name, def.InitialState, string(doc), boolToInt(def.IsEventDriven), def.ID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update definition").WithCause(err)
	}
	return checkRowsAffected(res, "workflow definition", def.ID)
}

func (s *LibSQLStore) ListEventDrivenDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM definitions WHERE is_event_driven = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list event-driven definitions").WithCause(err)
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(doc), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	active, stateData, workflowData, err := marshalInstanceData(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, definition_id, workflow_name, active_states, state_data, workflow_data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.WorkflowName, active, stateData, workflowData,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert instance").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	inst := &schema.WorkflowInstance{}
	var active string
	var stateData, workflowData sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, workflow_name, active_states, state_data, workflow_data
		 FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.DefinitionID, &inst.WorkflowName, &active, &stateData, &workflowData)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %q not found", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query instance").WithCause(err)
	}
	if err := unmarshalInstanceData(inst, active, stateData, workflowData); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	active, stateData, workflowData, err := marshalInstanceData(inst)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances
		 SET active_states = ?, state_data = ?, workflow_data = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		active, stateData, workflowData, inst.ID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update instance").WithCause(err)
	}
	return checkRowsAffected(res, "workflow instance", inst.ID)
}

func (s *LibSQLStore) ListInstancesByDefinition(ctx context.Context, definitionID string) ([]*schema.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, definition_id, workflow_name, active_states, state_data, workflow_data
		 FROM instances WHERE definition_id = ? ORDER BY id`, definitionID,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list instances").WithCause(err)
	}
	defer rows.Close()

	var insts []*schema.WorkflowInstance
	for rows.Next() {
		inst := &schema.WorkflowInstance{}
		var active string
		var stateData, workflowData sql.NullString
		if err := rows.Scan(&inst.ID, &inst.DefinitionID, &inst.WorkflowName, &active, &stateData, &workflowData); err != nil {
			return nil, err
		}
		if err := unmarshalInstanceData(inst, active, stateData, workflowData); err != nil {
			return nil, err
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}

// --- Audit events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this instance.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	active, err := json.Marshal(event.ActiveStates)
	if err != nil {
		return fmt.Errorf("marshal active states: %w", err)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, definition_id, event_type, source_state, active_states, details, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(event.InstanceID), nullStr(event.DefinitionID), event.Type,
		nullStr(event.SourceState), string(active), nullStr(event.Details), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, instance_id, definition_id, event_type, source_state, active_states, details, timestamp, sequence
	          FROM events WHERE instance_id = ?`
	args := []any{instanceID}
	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY sequence"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query events").WithCause(err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var instID, defID, sourceState, active, details sql.NullString
		if err := rows.Scan(&ev.ID, &instID, &defID, &ev.Type, &sourceState, &active, &details, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.InstanceID = instID.String
		ev.DefinitionID = defID.String
		ev.SourceState = sourceState.String
		ev.Details = details.String
		if active.Valid && active.String != "" {
			if err := json.Unmarshal([]byte(active.String), &ev.ActiveStates); err != nil {
				return nil, fmt.Errorf("unmarshal active states: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Schedule entries ---

func (s *LibSQLStore) CreateScheduleEvent(ctx context.Context, ev *ScheduleEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_events (id, instance_id, event_name, resume_time) VALUES (?, ?, ?, ?)`,
		ev.ID, ev.InstanceID, ev.EventName, ev.ResumeTime.UTC(),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert schedule event").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) DeleteScheduleEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_events WHERE id = ?`, id)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete schedule event").WithCause(err)
	}
	return checkRowsAffected(res, "schedule event", id)
}

func (s *LibSQLStore) ListScheduleEvents(ctx context.Context) ([]*ScheduleEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, event_name, resume_time FROM schedule_events ORDER BY resume_time`,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list schedule events").WithCause(err)
	}
	defer rows.Close()

	var events []*ScheduleEvent
	for rows.Next() {
		ev := &ScheduleEvent{}
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.EventName, &ev.ResumeTime); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Scan/marshal helpers ---

func marshalInstanceData(inst *schema.WorkflowInstance) (active string, stateData, workflowData sql.NullString, err error) {
	a, err := json.Marshal(inst.ActiveStates)
	if err != nil {
		return "", sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal active states: %w", err)
	}
	sd, err := marshalNullableMap(inst.StateData)
	if err != nil {
		return "", sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal state data: %w", err)
	}
	wd, err := marshalNullableMap(inst.WorkflowData)
	if err != nil {
		return "", sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal workflow data: %w", err)
	}
	return string(a), sd, wd, nil
}

func unmarshalInstanceData(inst *schema.WorkflowInstance, active string, stateData, workflowData sql.NullString) error {
	if err := json.Unmarshal([]byte(active), &inst.ActiveStates); err != nil {
		return fmt.Errorf("unmarshal active states: %w", err)
	}
	if stateData.Valid && stateData.String != "" {
		if err := json.Unmarshal([]byte(stateData.String), &inst.StateData); err != nil {
			return fmt.Errorf("unmarshal state data: %w", err)
		}
	}
	if inst.StateData == nil {
		inst.StateData = map[string]any{}
	}
	if workflowData.Valid && workflowData.String != "" {
		if err := json.Unmarshal([]byte(workflowData.String), &inst.WorkflowData); err != nil {
			return fmt.Errorf("unmarshal workflow data: %w", err)
		}
	}
	if inst.WorkflowData == nil {
		inst.WorkflowData = map[string]any{}
	}
	return nil
}

func marshalNullableMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
	}
	return nil
}

var _ Store = (*LibSQLStore)(nil)
