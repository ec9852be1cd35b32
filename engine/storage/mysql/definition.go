package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/workflow"
)

const definitionColumns = `tenant_id, id, name, version, trigger_type, entry_conditions, steps, is_active, created_at, updated_at`

// StoreDefinition implements the storage interface method.
func (s *MySQLStorage) StoreDefinition(ctx context.Context, def *workflow.Definition) error {
	if def == nil {
		return errors.New("nil definition")
	}
	if err := storage.CheckKey(def.TenantID, def.ID); err != nil {
		return err
	}
	conds := def.EntryConditions
	if conds == nil {
		conds = map[string]interface{}{}
	}
	condsJSON, err := jsonValue(conds)
	if err != nil {
		return fmt.Errorf("marshal entry conditions: %w", err)
	}
	stepsJSON, err := jsonValue(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`
INSERT INTO workflow_definitions
  (`+definitionColumns+`)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY
UPDATE
  name = new.name,
  version = new.version,
  trigger_type = new.trigger_type,
  entry_conditions = new.entry_conditions,
  steps = new.steps,
  is_active = new.is_active,
  updated_at = new.updated_at;`,
		def.TenantID,
		def.ID,
		def.Name,
		def.Version,
		string(def.TriggerType),
		condsJSON,
		stepsJSON,
		def.Active,
		sqlNullTime(def.CreatedAt),
		sqlNullTime(def.UpdatedAt),
	)
	return err
}

func scanDefinition(row interface{ Scan(...interface{}) error }) (*workflow.Definition, error) {
	var (
		def                  workflow.Definition
		trigger              string
		condsJSON, stepsJSON []byte
		createdAt, updatedAt sql.NullTime
	)
	err := row.Scan(
		&def.TenantID,
		&def.ID,
		&def.Name,
		&def.Version,
		&trigger,
		&condsJSON,
		&stepsJSON,
		&def.Active,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	def.TriggerType = workflow.TriggerType(trigger)
	def.CreatedAt = createdAt.Time
	def.UpdatedAt = updatedAt.Time
	if err = unmarshalJSON(condsJSON, &def.EntryConditions); err != nil {
		return nil, fmt.Errorf("unmarshal entry conditions: %w", err)
	}
	if err = unmarshalJSON(stepsJSON, &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &def, nil
}

// RetrieveDefinition implements the storage interface method.
func (s *MySQLStorage) RetrieveDefinition(ctx context.Context, tenantID, id string) (*workflow.Definition, error) {
	if err := storage.CheckKey(tenantID, id); err != nil {
		return nil, err
	}
	def, err := scanDefinition(s.db.QueryRowContext(
		ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE tenant_id = ? AND id = ?;`,
		tenantID, id,
	))
	return def, notFound(err, "definition", id)
}

// RetrieveActiveDefinitions implements the storage interface method.
func (s *MySQLStorage) RetrieveActiveDefinitions(ctx context.Context, tenantID string, trigger workflow.TriggerType) ([]*workflow.Definition, error) {
	if tenantID == "" {
		return nil, storage.ErrMissingTenantID
	}
	rows, err := s.db.QueryContext(
		ctx,
		`
SELECT `+definitionColumns+`
FROM workflow_definitions
WHERE tenant_id = ? AND trigger_type = ? AND is_active
ORDER BY name, id;`,
		tenantID, string(trigger),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var defs []*workflow.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// RetrieveTenantsWithTrigger implements the storage interface method.
func (s *MySQLStorage) RetrieveTenantsWithTrigger(ctx context.Context, trigger workflow.TriggerType) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT tenant_id FROM workflow_definitions WHERE trigger_type = ? AND is_active ORDER BY tenant_id;`,
		string(trigger),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var tenant string
		if err = rows.Scan(&tenant); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}
