// Package assets сохраняет результаты стадий как Asset.
//
// Recorder никогда не возвращает ошибку стадии: сбой записи логируется
// и считается в метрике, а run продолжается. Последующие стадии читают
// результаты из артефактов run, а не из Asset.
package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

const maxMirrorSize = 200 * 1024 * 1024 // 200 MB

// Store — хранилище метаданных assets.
type Store interface {
	Create(ctx context.Context, asset *domain.Asset) error
}

// Config — конфигурация Recorder.
type Config struct {
	Store Store

	// Objects — хранилище тел. nil — тела не сохраняются,
	// Asset хранит только URL провайдера.
	Objects ObjectStore

	// MirrorMedia — копировать изображения и видео провайдера к себе.
	// URL провайдеров обычно живут ограниченное время.
	MirrorMedia bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Recorder сохраняет assets.
type Recorder struct {
	store   Store
	objects ObjectStore
	mirror  bool
	http    *http.Client
	logger  *slog.Logger
}

// NewRecorder создаёт Recorder.
func NewRecorder(cfg Config) *Recorder {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   cfg.Store,
		objects: cfg.Objects,
		mirror:  cfg.MirrorMedia && cfg.Objects != nil,
		http:    client,
		logger:  logger,
	}
}

// Record сохраняет asset. body — тело текстового артефакта (JSON
// сценария или раскадровки); для медиа передаётся nil и используется URL.
func (r *Recorder) Record(ctx context.Context, asset domain.Asset, body []byte) {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now()
	}

	logger := r.logger.With(
		"asset_type", asset.Type,
		"asset_name", asset.Name,
	)
	if asset.RunID != nil {
		logger = logger.With("run_id", *asset.RunID)
	}

	switch {
	case body != nil && r.objects != nil:
		key := ObjectKey(asset, ".json")
		u, err := r.objects.Put(ctx, key, contentTypeFor(key), bytes.NewReader(body), int64(len(body)))
		if err != nil {
			// Без тела asset бесполезен.
			r.fail(logger, asset, "upload body", err)
			return
		}
		asset.ObjectKey = key
		asset.URL = u

	case r.mirror && asset.URL != "":
		if err := r.mirrorMedia(ctx, &asset); err != nil {
			// Ссылка провайдера остаётся рабочей, пока не истечёт.
			logger.Warn("mirror media failed, keeping provider url", "error", err)
		}
	}

	if r.store == nil {
		return
	}
	if err := r.store.Create(ctx, &asset); err != nil {
		r.fail(logger, asset, "insert asset", err)
		return
	}

	logger.Debug("asset recorded", "asset_id", asset.ID)
}

func (r *Recorder) fail(logger *slog.Logger, asset domain.Asset, op string, err error) {
	telemetry.AssetRecordFailures.WithLabelValues(string(asset.Type)).Inc()
	logger.Error("asset record failed", "op", op, "error", err)
}

// mirrorMedia скачивает медиа по URL провайдера и загружает в хранилище.
func (r *Recorder) mirrorMedia(ctx context.Context, asset *domain.Asset) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}

	key := ObjectKey(*asset, mediaExt(asset.Type, asset.URL))
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeFor(key)
	}

	size := resp.ContentLength
	if size > maxMirrorSize {
		return fmt.Errorf("media too large: %d bytes", size)
	}

	u, err := r.objects.Put(ctx, key, contentType, io.LimitReader(resp.Body, maxMirrorSize), size)
	if err != nil {
		return err
	}

	if asset.Metadata == nil {
		asset.Metadata = make(map[string]any)
	}
	asset.Metadata["source_url"] = asset.URL
	asset.ObjectKey = key
	asset.URL = u
	return nil
}

var unsafeKeyChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// ObjectKey строит ключ объекта: accounts/{account}/runs/{run}/{type}/{name}{ext}.
// Asset вне run попадает в accounts/{account}/{type}/.
func ObjectKey(asset domain.Asset, ext string) string {
	name := unsafeKeyChars.ReplaceAllString(asset.Name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = asset.ID.String()
	}

	parts := []string{"accounts", asset.AccountID.String()}
	if asset.RunID != nil {
		parts = append(parts, "runs", asset.RunID.String())
	}
	parts = append(parts, string(asset.Type), name+ext)
	return path.Join(parts...)
}

func mediaExt(typ domain.AssetType, rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ext := path.Ext(p); ext != "" && len(ext) <= 5 {
		return strings.ToLower(ext)
	}
	if typ == domain.AssetTypeVideo {
		return ".mp4"
	}
	return ".png"
}
