package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	roomColumns = "id, code_content, language, problem_id, created_by, created_at, updated_at"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var (
		r         Room
		problemId sql.NullInt64
		createdBy sql.NullInt64
	)

	err := row.Scan(
		&r.Id,
		&r.CodeContent,
		&r.Language,
		&problemId,
		&createdBy,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, err
	}

	if problemId.Valid {
		id := int(problemId.Int64)
		r.ProblemId = &id
	}
	if createdBy.Valid {
		id := int(createdBy.Int64)
		r.CreatedBy = &id
	}

	return r, nil
}

func (db *PgCodeCollabRepository) GetRoom(ctx context.Context, id string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE id = $1 LIMIT 1",
		id,
	)

	return scanRoom(row)
}

func (db *PgCodeCollabRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, bool, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO rooms (id, code_content, language, created_by, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) ON CONFLICT (id) DO NOTHING "+
			"RETURNING "+roomColumns,
		params.Id,
		DefaultCode,
		DefaultLanguage,
		params.CreatedBy,
		now,
	)

	room, err := scanRoom(row)
	if err == nil {
		return room, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Room{}, false, fmt.Errorf("insert room: %w", err)
	}

	// lost the race to a concurrent insert, the row exists
	room, err = db.GetRoom(ctx, params.Id)
	if err != nil {
		return Room{}, false, fmt.Errorf("get room: %w", err)
	}

	return room, false, nil
}

func (db *PgCodeCollabRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgCodeCollabRepository) UpdateRoomCode(ctx context.Context, id, code string) error {
	return db.execOne(ctx,
		"UPDATE rooms SET code_content = $2, updated_at = $3 WHERE id = $1",
		id, code, time.Now().UTC(),
	)
}

func (db *PgCodeCollabRepository) UpdateRoomLanguage(ctx context.Context, id, language string) error {
	return db.execOne(ctx,
		"UPDATE rooms SET language = $2, updated_at = $3 WHERE id = $1",
		id, language, time.Now().UTC(),
	)
}

func (db *PgCodeCollabRepository) SetRoomProblem(ctx context.Context, id string, problemId *int, code *string) error {
	return db.execOne(ctx,
		"UPDATE rooms SET problem_id = $2, code_content = COALESCE($3, code_content), updated_at = $4 WHERE id = $1",
		id, problemId, code, time.Now().UTC(),
	)
}

func (db *PgCodeCollabRepository) GetProblem(ctx context.Context, id int) (Problem, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, title, description, COALESCE(template_code, '') FROM problems WHERE id = $1 LIMIT 1",
		id,
	)

	var p Problem
	if err := row.Scan(&p.Id, &p.Title, &p.Description, &p.TemplateCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Problem{}, ErrNotFound
		}
		return Problem{}, fmt.Errorf("scan problem: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, problem_id, input_data, expected_output, is_hidden FROM test_cases "+
			"WHERE problem_id = $1 ORDER BY id",
		id,
	)
	if err != nil {
		return Problem{}, fmt.Errorf("query test cases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tc TestCase
		if err := rows.Scan(&tc.Id, &tc.ProblemId, &tc.InputData, &tc.ExpectedOutput, &tc.IsHidden); err != nil {
			return Problem{}, fmt.Errorf("scan test case: %w", err)
		}
		p.TestCases = append(p.TestCases, tc)
	}

	if err := rows.Err(); err != nil {
		return Problem{}, fmt.Errorf("rows error: %w", err)
	}

	return p, nil
}

func (db *PgCodeCollabRepository) ListProblems(ctx context.Context) ([]Problem, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, title, description, COALESCE(template_code, '') FROM problems ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("query problems: %w", err)
	}
	defer rows.Close()

	problems := make([]Problem, 0)
	for rows.Next() {
		var p Problem
		if err := rows.Scan(&p.Id, &p.Title, &p.Description, &p.TemplateCode); err != nil {
			return nil, fmt.Errorf("scan problem: %w", err)
		}
		problems = append(problems, p)
	}

	return problems, rows.Err()
}

func (db *PgCodeCollabRepository) CreateEvent(ctx context.Context, event SessionEvent) (SessionEvent, error) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return SessionEvent{}, fmt.Errorf("marshal payload: %w", err)
	}

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO session_events (room_id, event_type, payload, created_at) "+
			"VALUES ($1, $2, $3, GREATEST($4, COALESCE((SELECT MAX(created_at) FROM session_events WHERE room_id = $1), $4))) "+
			"RETURNING id, created_at",
		event.RoomId,
		event.EventType,
		raw,
		time.Now().UTC(),
	)

	if err := row.Scan(&event.Id, &event.CreatedAt); err != nil {
		return SessionEvent{}, fmt.Errorf("insert event: %w", err)
	}
	event.Payload = payload

	return event, nil
}

func (db *PgCodeCollabRepository) ListEvents(ctx context.Context, roomId string) ([]SessionEvent, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, room_id, event_type, payload, created_at FROM session_events "+
			"WHERE room_id = $1 ORDER BY created_at, id",
		roomId,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]SessionEvent, 0)
	for rows.Next() {
		var (
			e   SessionEvent
			raw []byte
		)
		if err := rows.Scan(&e.Id, &e.RoomId, &e.EventType, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}
