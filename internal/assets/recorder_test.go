package assets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/repo/memstore"
	"github.com/shaiso/Mangaflow/internal/repo"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

// memObjects — ObjectStore в памяти.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) Put(_ context.Context, key, _ string, r io.Reader, _ int64) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return "http://minio/" + key, nil
}

func listAssets(t *testing.T, store *memstore.Store, accountID uuid.UUID) []domain.Asset {
	t.Helper()
	assets, _, err := store.Assets().List(context.Background(), repo.AssetFilter{AccountID: accountID})
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	return assets
}

// --- Record Tests ---

func TestRecord_TextBodyUploaded(t *testing.T) {
	store := memstore.New()
	objects := newMemObjects()
	r := NewRecorder(Config{Store: store.Assets(), Objects: objects, Logger: telemetry.Discard()})

	accountID, runID := uuid.New(), uuid.New()
	r.Record(context.Background(), domain.Asset{
		AccountID: accountID,
		RunID:     &runID,
		Type:      domain.AssetTypeText,
		Name:      "script",
	}, []byte(`{"title":"x"}`))

	assets := listAssets(t, store, accountID)
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}

	wantKey := "accounts/" + accountID.String() + "/runs/" + runID.String() + "/text/script.json"
	if assets[0].ObjectKey != wantKey {
		t.Errorf("expected key %s, got %s", wantKey, assets[0].ObjectKey)
	}
	if string(objects.objects[wantKey]) != `{"title":"x"}` {
		t.Error("body not uploaded")
	}
	if assets[0].URL != "http://minio/"+wantKey {
		t.Errorf("unexpected url %s", assets[0].URL)
	}
}

func TestRecord_StoreFailureIsSwallowed(t *testing.T) {
	store := memstore.New()
	store.AssetCreateErr = errors.New("db down")
	r := NewRecorder(Config{Store: store.Assets(), Logger: telemetry.Discard()})

	before := testutil.ToFloat64(telemetry.AssetRecordFailures.WithLabelValues("image"))

	// Не должно паниковать и не возвращает ошибку.
	r.Record(context.Background(), domain.Asset{
		AccountID: uuid.New(),
		Type:      domain.AssetTypeImage,
		Name:      "shot 1-1",
		URL:       "http://provider/img.png",
	}, nil)

	after := testutil.ToFloat64(telemetry.AssetRecordFailures.WithLabelValues("image"))
	if after != before+1 {
		t.Errorf("expected failure counter to grow by 1, got %v → %v", before, after)
	}
}

func TestRecord_UploadFailureSkipsInsert(t *testing.T) {
	store := memstore.New()
	objects := newMemObjects()
	objects.err = errors.New("minio down")
	r := NewRecorder(Config{Store: store.Assets(), Objects: objects, Logger: telemetry.Discard()})

	accountID := uuid.New()
	r.Record(context.Background(), domain.Asset{AccountID: accountID, Type: domain.AssetTypeText, Name: "storyboard"}, []byte("{}"))

	if got := listAssets(t, store, accountID); len(got) != 0 {
		t.Errorf("asset without body must not be inserted, got %d", len(got))
	}
}

func TestRecord_MirrorMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	store := memstore.New()
	objects := newMemObjects()
	r := NewRecorder(Config{Store: store.Assets(), Objects: objects, MirrorMedia: true, Logger: telemetry.Discard()})

	accountID := uuid.New()
	r.Record(context.Background(), domain.Asset{
		AccountID: accountID,
		Type:      domain.AssetTypeImage,
		Name:      "林风",
		URL:       srv.URL + "/img.png?sig=abc",
		Metadata:  map[string]any{"character": "林风"},
	}, nil)

	assets := listAssets(t, store, accountID)
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}
	a := assets[0]
	if !strings.HasSuffix(a.ObjectKey, "/image/林风.png") {
		t.Errorf("unexpected key %s", a.ObjectKey)
	}
	if string(objects.objects[a.ObjectKey]) != "PNGDATA" {
		t.Error("media not mirrored")
	}
	if a.Metadata["source_url"] != srv.URL+"/img.png?sig=abc" {
		t.Error("source url should be kept in metadata")
	}
	if a.Metadata["character"] != "林风" {
		t.Error("existing metadata lost")
	}
}

func TestRecord_MirrorFailureKeepsProviderURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store := memstore.New()
	r := NewRecorder(Config{Store: store.Assets(), Objects: newMemObjects(), MirrorMedia: true, Logger: telemetry.Discard()})

	accountID := uuid.New()
	r.Record(context.Background(), domain.Asset{AccountID: accountID, Type: domain.AssetTypeVideo, Name: "1-1", URL: srv.URL + "/v"}, nil)

	assets := listAssets(t, store, accountID)
	if len(assets) != 1 || assets[0].URL != srv.URL+"/v" || assets[0].ObjectKey != "" {
		t.Errorf("expected provider url to be kept: %+v", assets)
	}
}

// --- ObjectKey Tests ---

func TestObjectKey(t *testing.T) {
	accountID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	runID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	got := ObjectKey(domain.Asset{AccountID: accountID, RunID: &runID, Type: domain.AssetTypeImage, Name: "shot 1/2"}, ".png")
	want := "accounts/11111111-1111-1111-1111-111111111111/runs/22222222-2222-2222-2222-222222222222/image/shot_1_2.png"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	got = ObjectKey(domain.Asset{AccountID: accountID, Type: domain.AssetTypeVideo, Name: "clip"}, ".mp4")
	if got != "accounts/11111111-1111-1111-1111-111111111111/video/clip.mp4" {
		t.Errorf("unexpected key without run: %s", got)
	}
}

func TestMediaExt(t *testing.T) {
	tests := []struct {
		typ  domain.AssetType
		url  string
		want string
	}{
		{domain.AssetTypeImage, "http://x/a.JPG?x=1", ".jpg"},
		{domain.AssetTypeImage, "http://x/a", ".png"},
		{domain.AssetTypeVideo, "http://x/v", ".mp4"},
		{domain.AssetTypeVideo, "http://x/v.webm#t", ".webm"},
	}
	for _, tt := range tests {
		if got := mediaExt(tt.typ, tt.url); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.url, tt.want, got)
		}
	}
}
