package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Mangaflow/internal/domain"
)

// AssetRepo — репозиторий assets.
type AssetRepo struct {
	pool *pgxpool.Pool
}

// NewAssetRepo создаёт новый AssetRepo.
func NewAssetRepo(pool *pgxpool.Pool) *AssetRepo {
	return &AssetRepo{pool: pool}
}

// AssetFilter — параметры выборки assets.
type AssetFilter struct {
	AccountID uuid.UUID
	RunID     *uuid.UUID
	Type      domain.AssetType
	Limit     int
	Offset    int
}

// Create сохраняет asset.
func (r *AssetRepo) Create(ctx context.Context, asset *domain.Asset) error {
	var metadataJSON []byte
	if asset.Metadata != nil {
		var err error
		if metadataJSON, err = json.Marshal(asset.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO assets (id, account_id, run_id, type, name, url, object_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		asset.ID,
		asset.AccountID,
		asset.RunID,
		asset.Type,
		asset.Name,
		nullString(asset.URL),
		nullString(asset.ObjectKey),
		metadataJSON,
		asset.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// List возвращает страницу assets и общее количество по фильтру.
func (r *AssetRepo) List(ctx context.Context, filter AssetFilter) ([]domain.Asset, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM assets
		WHERE account_id = $1
		  AND ($2::uuid IS NULL OR run_id = $2)
		  AND ($3::text IS NULL OR type = $3)
	`, filter.AccountID, nullUUID(filter.RunID), nullString(string(filter.Type))).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count assets: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, run_id, type, name, url, object_key, metadata, created_at
		FROM assets
		WHERE account_id = $1
		  AND ($2::uuid IS NULL OR run_id = $2)
		  AND ($3::text IS NULL OR type = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, filter.AccountID, nullUUID(filter.RunID), nullString(string(filter.Type)), filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, 0, err
		}
		assets = append(assets, *asset)
	}
	return assets, total, rows.Err()
}

func scanAsset(row pgx.Row) (*domain.Asset, error) {
	var asset domain.Asset
	var url, objectKey *string
	var metadataJSON []byte

	err := row.Scan(
		&asset.ID,
		&asset.AccountID,
		&asset.RunID,
		&asset.Type,
		&asset.Name,
		&url,
		&objectKey,
		&metadataJSON,
		&asset.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan asset: %w", err)
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &asset.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	asset.URL = deref(url)
	asset.ObjectKey = deref(objectKey)

	return &asset, nil
}
