package media

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/uploadguard/idgen"
)

// SQLiteStore is the default Store implementation, backed by the media_records
// table (Schema). Construct the database with dbopen.Open(path, dbopen.WithSchema(media.Schema)).
type SQLiteStore struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewSQLiteStore wraps db. gen defaults to idgen.Default when nil.
func NewSQLiteStore(db *sql.DB, gen idgen.Generator) *SQLiteStore {
	if gen == nil {
		gen = idgen.Default
	}
	return &SQLiteStore{db: db, newID: gen}
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("media: begin: %w", err)
	}
	return &sqliteTx{tx: tx, newID: s.newID}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, model_type, model_id, collection, disk, path,
		file_name, mime, size, custom_properties, generated_conversions, responsive_images, superseded
		FROM media_records WHERE id = ?`, id)
	return scanRecord(row)
}

func (s *SQLiteStore) CurrentForOwner(ctx context.Context, collection, modelType, modelID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, model_type, model_id, collection, disk, path,
		file_name, mime, size, custom_properties, generated_conversions, responsive_images, superseded
		FROM media_records WHERE collection = ? AND model_type = ? AND model_id = ? AND superseded = 0
		ORDER BY created_at DESC LIMIT 1`, collection, modelType, modelID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var customProps, conversions, responsive string
	var superseded int
	if err := row.Scan(&r.ID, &r.ModelType, &r.ModelID, &r.Collection, &r.Disk, &r.Path,
		&r.FileName, &r.Mime, &r.Size, &customProps, &conversions, &responsive, &superseded); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("media: scan: %w", err)
	}
	r.Superseded = superseded != 0
	if err := json.Unmarshal([]byte(customProps), &r.CustomProperties); err != nil {
		return nil, fmt.Errorf("media: decode custom_properties: %w", err)
	}
	if err := json.Unmarshal([]byte(conversions), &r.GeneratedConversions); err != nil {
		return nil, fmt.Errorf("media: decode generated_conversions: %w", err)
	}
	if err := json.Unmarshal([]byte(responsive), &r.ResponsiveImages); err != nil {
		return nil, fmt.Errorf("media: decode responsive_images: %w", err)
	}
	return &r, nil
}

type sqliteTx struct {
	tx         *sql.Tx
	newID      idgen.Generator
	afterFuncs []func()
}

func (t *sqliteTx) Insert(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = t.newID()
	}
	customProps, err := json.Marshal(r.CustomProperties)
	if err != nil {
		return fmt.Errorf("media: encode custom_properties: %w", err)
	}
	conversions, err := json.Marshal(r.GeneratedConversions)
	if err != nil {
		return fmt.Errorf("media: encode generated_conversions: %w", err)
	}
	responsive, err := json.Marshal(r.ResponsiveImages)
	if err != nil {
		return fmt.Errorf("media: encode responsive_images: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO media_records
		(id, model_type, model_id, collection, disk, path, file_name, mime, size,
		 custom_properties, generated_conversions, responsive_images, superseded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ModelType, r.ModelID, r.Collection, r.Disk, r.Path, r.FileName, r.Mime, r.Size,
		string(customProps), string(conversions), string(responsive), boolToInt(r.Superseded))
	if err != nil {
		return fmt.Errorf("media: insert: %w", err)
	}
	return nil
}

func (t *sqliteTx) Update(ctx context.Context, r *Record) error {
	customProps, err := json.Marshal(r.CustomProperties)
	if err != nil {
		return fmt.Errorf("media: encode custom_properties: %w", err)
	}
	conversions, err := json.Marshal(r.GeneratedConversions)
	if err != nil {
		return fmt.Errorf("media: encode generated_conversions: %w", err)
	}
	responsive, err := json.Marshal(r.ResponsiveImages)
	if err != nil {
		return fmt.Errorf("media: encode responsive_images: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE media_records SET
		custom_properties = ?, generated_conversions = ?, responsive_images = ?, superseded = ?
		WHERE id = ?`, string(customProps), string(conversions), string(responsive), boolToInt(r.Superseded), r.ID)
	if err != nil {
		return fmt.Errorf("media: update: %w", err)
	}
	return nil
}

func (t *sqliteTx) MarkSuperseded(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE media_records SET superseded = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("media: mark superseded: %w", err)
	}
	return nil
}

func (t *sqliteTx) AfterCommit(fn func()) {
	t.afterFuncs = append(t.afterFuncs, fn)
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("media: commit: %w", err)
	}
	for _, fn := range t.afterFuncs {
		fn()
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
