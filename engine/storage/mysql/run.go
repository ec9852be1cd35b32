package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/workflow"
)

const runColumns = `tenant_id, id, definition_id, asset_id, scan_event_id, status, context, input_data, output_data, started_at, completed_at`

// StoreRun implements the storage interface method.
func (s *MySQLStorage) StoreRun(ctx context.Context, run *workflow.Run) error {
	if run == nil {
		return errors.New("nil run")
	}
	if err := storage.CheckKey(run.TenantID, run.ID); err != nil {
		return err
	}
	var cols [3][]byte
	for i, v := range []map[string]interface{}{run.Context, run.InputData, run.OutputData} {
		var err error
		if v == nil {
			continue
		}
		if cols[i], err = jsonValue(v); err != nil {
			return fmt.Errorf("marshal run data: %w", err)
		}
	}
	_, err := s.db.ExecContext(
		ctx,
		`
INSERT INTO workflow_runs
  (`+runColumns+`)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY
UPDATE
  status = new.status,
  context = new.context,
  input_data = new.input_data,
  output_data = new.output_data,
  completed_at = new.completed_at;`,
		run.TenantID,
		run.ID,
		run.DefinitionID,
		sqlNullString(run.AssetID),
		sqlNullString(run.ScanEventID),
		string(run.Status),
		cols[0],
		cols[1],
		cols[2],
		run.StartedAt,
		sqlNullTime(run.CompletedAt),
	)
	return err
}

func scanRun(row interface{ Scan(...interface{}) error }) (*workflow.Run, error) {
	var (
		run                  workflow.Run
		assetID, scanEventID sql.NullString
		status               string
		ctxJSON, in, out     []byte
		completedAt          sql.NullTime
	)
	err := row.Scan(
		&run.TenantID,
		&run.ID,
		&run.DefinitionID,
		&assetID,
		&scanEventID,
		&status,
		&ctxJSON,
		&in,
		&out,
		&run.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	run.AssetID = assetID.String
	run.ScanEventID = scanEventID.String
	run.Status = workflow.RunStatus(status)
	run.CompletedAt = completedAt.Time
	for _, c := range []struct {
		b []byte
		m *map[string]interface{}
	}{{ctxJSON, &run.Context}, {in, &run.InputData}, {out, &run.OutputData}} {
		if err = unmarshalJSON(c.b, c.m); err != nil {
			return nil, fmt.Errorf("unmarshal run data: %w", err)
		}
	}
	return &run, nil
}

// RetrieveRun implements the storage interface method.
func (s *MySQLStorage) RetrieveRun(ctx context.Context, tenantID, id string) (*workflow.Run, error) {
	if err := storage.CheckKey(tenantID, id); err != nil {
		return nil, err
	}
	run, err := scanRun(s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE tenant_id = ? AND id = ?;`,
		tenantID, id,
	))
	return run, notFound(err, "run", id)
}

// RetrieveRuns implements the storage interface method.
func (s *MySQLStorage) RetrieveRuns(ctx context.Context, tenantID string, status workflow.RunStatus) ([]*workflow.Run, error) {
	if tenantID == "" {
		return nil, storage.ErrMissingTenantID
	}
	rows, err := s.db.QueryContext(
		ctx,
		`
SELECT `+runColumns+`
FROM workflow_runs
WHERE tenant_id = ? AND (? = '' OR status = ?)
ORDER BY started_at DESC, id DESC;`,
		tenantID, string(status), string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
