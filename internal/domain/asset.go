package domain

import (
	"time"

	"github.com/google/uuid"
)

// AssetType — тип сохранённого артефакта.
type AssetType string

const (
	AssetTypeText  AssetType = "text"
	AssetTypeImage AssetType = "image"
	AssetTypeVideo AssetType = "video"
)

// IsValid проверяет, что тип известен.
func (t AssetType) IsValid() bool {
	return t == AssetTypeText || t == AssetTypeImage || t == AssetTypeVideo
}

// Asset — результат стадии, доступный пользователю и последующим стадиям.
type Asset struct {
	ID        uuid.UUID  `json:"id"`
	AccountID uuid.UUID  `json:"account_id"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	Type      AssetType  `json:"type"`
	Name      string     `json:"name"`

	// URL — адрес у провайдера или presigned URL объекта.
	URL string `json:"url,omitempty"`

	// ObjectKey — ключ объекта в хранилище (если артефакт загружен к нам).
	ObjectKey string `json:"object_key,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
