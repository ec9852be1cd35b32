package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/workflow"
)

// StoreAsset implements the storage interface method.
func (s *MySQLStorage) StoreAsset(ctx context.Context, asset *workflow.Asset) error {
	if asset == nil {
		return errors.New("nil asset")
	}
	if err := storage.CheckKey(asset.TenantID, asset.ID); err != nil {
		return err
	}
	fields, err := jsonValue(asset.CustomFields)
	if err != nil {
		return fmt.Errorf("marshal custom fields: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`
INSERT INTO assets
  (tenant_id, id, asset_tag, name, status, location_id, custom_fields, updated_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY
UPDATE
  asset_tag = new.asset_tag,
  name = new.name,
  status = new.status,
  location_id = new.location_id,
  custom_fields = new.custom_fields,
  updated_at = new.updated_at;`,
		asset.TenantID,
		asset.ID,
		asset.AssetTag,
		sqlNullString(asset.Name),
		string(asset.Status),
		sqlNullString(asset.LocationID),
		fields,
		sqlNullTime(asset.UpdatedAt),
	)
	return err
}

// RetrieveAsset implements the storage interface method.
func (s *MySQLStorage) RetrieveAsset(ctx context.Context, tenantID, id string) (*workflow.Asset, error) {
	if err := storage.CheckKey(tenantID, id); err != nil {
		return nil, err
	}
	var (
		asset            = workflow.Asset{TenantID: tenantID, ID: id}
		name, locationID sql.NullString
		status           string
		fields           []byte
		updatedAt        sql.NullTime
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT asset_tag, name, status, location_id, custom_fields, updated_at FROM assets WHERE tenant_id = ? AND id = ?;`,
		tenantID, id,
	).Scan(&asset.AssetTag, &name, &status, &locationID, &fields, &updatedAt)
	if err != nil {
		return nil, notFound(err, "asset", id)
	}
	asset.Name = name.String
	asset.Status = workflow.AssetStatus(status)
	asset.LocationID = locationID.String
	asset.UpdatedAt = updatedAt.Time
	if err = unmarshalJSON(fields, &asset.CustomFields); err != nil {
		return nil, fmt.Errorf("unmarshal custom fields: %w", err)
	}
	return &asset, nil
}

// StoreScanEvent implements the storage interface method.
func (s *MySQLStorage) StoreScanEvent(ctx context.Context, scan *workflow.ScanEvent) error {
	if scan == nil {
		return errors.New("nil scan event")
	}
	if err := storage.CheckKey(scan.TenantID, scan.ID); err != nil {
		return err
	}
	decoded, err := jsonValue(scan.DecodedPayload)
	if err != nil {
		return fmt.Errorf("marshal decoded payload: %w", err)
	}
	validationErrors, err := jsonValue(scan.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation errors: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`
INSERT INTO scan_events
  (tenant_id, id, asset_id, symbology, raw_value, source_type, location_id, status, decoded_payload, validation_errors, created_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		scan.TenantID,
		scan.ID,
		sqlNullString(scan.AssetID),
		scan.Symbology,
		scan.RawValue,
		sqlNullString(scan.SourceType),
		sqlNullString(scan.LocationID),
		sqlNullString(string(scan.Status)),
		decoded,
		validationErrors,
		sqlNullTime(scan.CreatedAt),
	)
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: scan event %s", storage.ErrAlreadyExists, scan.ID)
	}
	return err
}

// RetrieveScanEvent implements the storage interface method.
func (s *MySQLStorage) RetrieveScanEvent(ctx context.Context, tenantID, id string) (*workflow.ScanEvent, error) {
	if err := storage.CheckKey(tenantID, id); err != nil {
		return nil, err
	}
	var (
		scan                                    = workflow.ScanEvent{TenantID: tenantID, ID: id}
		assetID, sourceType, locationID, status sql.NullString
		decoded, validationErrors               []byte
		createdAt                               sql.NullTime
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT asset_id, symbology, raw_value, source_type, location_id, status, decoded_payload, validation_errors, created_at FROM scan_events WHERE tenant_id = ? AND id = ?;`,
		tenantID, id,
	).Scan(&assetID, &scan.Symbology, &scan.RawValue, &sourceType, &locationID, &status, &decoded, &validationErrors, &createdAt)
	if err != nil {
		return nil, notFound(err, "scan event", id)
	}
	scan.AssetID = assetID.String
	scan.SourceType = sourceType.String
	scan.LocationID = locationID.String
	scan.Status = workflow.ScanStatus(status.String)
	scan.CreatedAt = createdAt.Time
	if err = unmarshalJSON(decoded, &scan.DecodedPayload); err != nil {
		return nil, fmt.Errorf("unmarshal decoded payload: %w", err)
	}
	if err = unmarshalJSON(validationErrors, &scan.ValidationErrors); err != nil {
		return nil, fmt.Errorf("unmarshal validation errors: %w", err)
	}
	return &scan, nil
}

// AppendHistory implements the storage interface method.
func (s *MySQLStorage) AppendHistory(ctx context.Context, rec *workflow.HistoryRecord) error {
	if rec == nil {
		return errors.New("nil history record")
	}
	if err := storage.CheckKey(rec.TenantID, rec.ID); err != nil {
		return err
	}
	prev, err := jsonValue(rec.PreviousState)
	if err != nil {
		return fmt.Errorf("marshal previous state: %w", err)
	}
	next, err := jsonValue(rec.NewState)
	if err != nil {
		return fmt.Errorf("marshal new state: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`
INSERT INTO asset_history
  (tenant_id, id, asset_id, event_type, actor_id, location_id, previous_state, new_state, checksum, created_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.TenantID,
		rec.ID,
		rec.AssetID,
		string(rec.EventType),
		sqlNullString(rec.ActorID),
		sqlNullString(rec.LocationID),
		prev,
		next,
		rec.Checksum,
		rec.CreatedAt,
	)
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: history record %s", storage.ErrAlreadyExists, rec.ID)
	}
	return err
}

// RetrieveHistory implements the storage interface method.
func (s *MySQLStorage) RetrieveHistory(ctx context.Context, tenantID, assetID string) ([]*workflow.HistoryRecord, error) {
	if err := storage.CheckKey(tenantID, assetID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(
		ctx,
		`
SELECT id, event_type, actor_id, location_id, previous_state, new_state, checksum, created_at
FROM asset_history
WHERE tenant_id = ? AND asset_id = ?
ORDER BY created_at, id;`,
		tenantID, assetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []*workflow.HistoryRecord
	for rows.Next() {
		var (
			rec                 = workflow.HistoryRecord{TenantID: tenantID, AssetID: assetID}
			eventType           string
			actorID, locationID sql.NullString
			prev, next          []byte
		)
		if err = rows.Scan(&rec.ID, &eventType, &actorID, &locationID, &prev, &next, &rec.Checksum, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.EventType = workflow.HistoryEventType(eventType)
		rec.ActorID = actorID.String
		rec.LocationID = locationID.String
		if err = unmarshalJSON(prev, &rec.PreviousState); err != nil {
			return nil, fmt.Errorf("unmarshal previous state: %w", err)
		}
		if err = unmarshalJSON(next, &rec.NewState); err != nil {
			return nil, fmt.Errorf("unmarshal new state: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
