package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"branchorigin/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema Info ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo sets a schema info value (upserts).
func (db *BunDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// initSchemaInfo records version, type and creation time of a new store.
func initSchemaInfo(ctx context.Context, db *BunDB) error {
	info := map[string]string{
		"version":    SchemaVersion,
		"type":       StoreType,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	for key, value := range info {
		if err := db.SetSchemaInfo(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// --- Branch Index Operations ---

// GetBranchIndex returns the serialized index of repoID.
// Returns ErrNotFound if nothing is stored for it.
func (db *BunDB) GetBranchIndex(ctx context.Context, repoID string) (*BranchIndexModel, error) {
	var model BranchIndexModel
	err := db.NewSelect().
		Model(&model).
		Where("repo_id = ?", repoID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// UpsertBranchIndexesWith writes the given indexes, replacing stored ones, using the provided bun.IDB (for transaction support).
func (db *BunDB) UpsertBranchIndexesWith(idb bun.IDB, ctx context.Context, models []BranchIndexModel) error {
	return db.upsertBranchIndexesWith(idb, ctx, models)
}

func (db *BunDB) upsertBranchIndexesWith(idb bun.IDB, ctx context.Context, models []BranchIndexModel) error {
	if len(models) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for i := range models {
		models[i].UpdatedAt = now
	}
	_, err := idb.NewInsert().
		Model(&models).
		On("CONFLICT (repo_id) DO UPDATE").
		Set("data = EXCLUDED.data").
		Set("entries = EXCLUDED.entries").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// DeleteBranchIndexWith removes the stored index of repoID using the provided bun.IDB.
func (db *BunDB) DeleteBranchIndexWith(idb bun.IDB, ctx context.Context, repoID string) error {
	_, err := idb.NewDelete().
		Model((*BranchIndexModel)(nil)).
		Where("repo_id = ?", repoID).
		Exec(ctx)
	return err
}

// ListRepoIDs returns all stored repository identities in ascending order.
func (db *BunDB) ListRepoIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := db.NewRaw(`SELECT repo_id FROM branch_indexes ORDER BY repo_id`).Scan(ctx, &ids)
	return ids, err
}
