package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"autorun/internal/core"
)

func (s *SQLiteBackend) Load(ctx context.Context) (*Document, error) {
	doc := NewDocument()
	rows, err := s.DB.QueryContext(ctx, `SELECT task_id, name FROM functions`)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan function: %w", err)
		}
		doc.Functions[id] = &TaskHistory{Name: name, Executions: []core.Execution{}}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.DB.QueryContext(ctx, `
		SELECT execution_id, task_id, start_time, end_time, status, error, duration_ms
		FROM executions
		ORDER BY task_id, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		th, ok := doc.Functions[exec.TaskID]
		if !ok {
			th = &TaskHistory{}
			doc.Functions[exec.TaskID] = th
		}
		th.Executions = append(th.Executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *SQLiteBackend) Save(ctx context.Context, doc *Document) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM executions`); err != nil {
		return fmt.Errorf("clear executions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM functions`); err != nil {
		return fmt.Errorf("clear functions: %w", err)
	}
	insertFn, err := tx.PrepareContext(ctx, `INSERT INTO functions (task_id, name) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare function insert: %w", err)
	}
	defer insertFn.Close()
	insertExec, err := tx.PrepareContext(ctx, `
		INSERT INTO executions (execution_id, task_id, seq, start_time, end_time, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare execution insert: %w", err)
	}
	defer insertExec.Close()

	for id, th := range doc.Functions {
		if _, err := insertFn.ExecContext(ctx, id, th.Name); err != nil {
			return fmt.Errorf("insert function %s: %w", id, err)
		}
		for seq, exec := range th.Executions {
			_, err := insertExec.ExecContext(ctx, exec.ID, id, seq,
				exec.StartTime.UTC().Format(time.RFC3339Nano), nullableTime(exec.EndTime),
				string(exec.Status), nullableString(exec.Error), nullableInt64(exec.Duration))
			if err != nil {
				return fmt.Errorf("insert execution %s: %w", exec.ID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (core.Execution, error) {
	var (
		id        string
		taskID    string
		startTime string
		endTime   sql.NullString
		status    string
		errMsg    sql.NullString
		duration  sql.NullInt64
	)
	if err := scanner.Scan(&id, &taskID, &startTime, &endTime, &status, &errMsg, &duration); err != nil {
		return core.Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	start, err := time.Parse(time.RFC3339Nano, startTime)
	if err != nil {
		return core.Execution{}, fmt.Errorf("execution %s: invalid start time %q: %w", id, startTime, err)
	}
	exec := core.Execution{
		ID:        id,
		TaskID:    taskID,
		StartTime: start,
		Status:    core.RunStatus(status),
	}
	if endTime.Valid {
		end, err := time.Parse(time.RFC3339Nano, endTime.String)
		if err != nil {
			return core.Execution{}, fmt.Errorf("execution %s: invalid end time %q: %w", id, endTime.String, err)
		}
		exec.EndTime = &end
	}
	if errMsg.Valid {
		exec.Error = errMsg.String
	}
	if duration.Valid {
		d := duration.Int64
		exec.Duration = &d
	}
	return exec, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}
