package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
)

const testAccount = "7b0c1f7e-4a43-4c1e-9d5e-3f0d7c6f2a11"

type recorded struct {
	method  string
	path    string
	query   string
	account string
	body    map[string]any
}

// fakeAPI отвечает заранее заданным JSON и запоминает запросы.
func fakeAPI(t *testing.T, status int, response string) (*httptest.Server, *[]recorded) {
	t.Helper()

	var reqs []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{
			method:  r.Method,
			path:    r.URL.Path,
			query:   r.URL.RawQuery,
			account: r.Header.Get(HeaderAccountID),
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		reqs = append(reqs, rec)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	return srv, &reqs
}

func execute(t *testing.T, srv *httptest.Server, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	var out, errOut bytes.Buffer
	clientFn := func() *Client { return NewClient(srv.URL, testAccount) }
	outputFn := func() *Output { return NewOutputTo(false, &out, &errOut) }

	root := &cobra.Command{Use: "mangaflow", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(
		NewRunCmd(clientFn, outputFn),
		NewEstimateCmd(clientFn, outputFn),
		NewCreditsCmd(clientFn, outputFn),
		NewImageCmd(clientFn, outputFn),
		NewVideoCmd(clientFn, outputFn),
		NewTaskCmd(clientFn, outputFn),
		NewAssetsCmd(clientFn, outputFn),
	)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err = root.Execute()
	return out.String(), errOut.String(), err
}

// --- Client Tests ---

func TestClient_CreateRun(t *testing.T) {
	srv, reqs := fakeAPI(t, http.StatusCreated, `{"data":{"run_id":"r1","task_id":"t1","estimated_credits":120,"estimated_scenes":4,"remaining_credits":380}}`)

	client := NewClient(srv.URL, testAccount)
	resp, err := client.CreateRun(CreateRunRequest{Text: "Once upon a time", VideoModel: "sora2"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	want := CreateRunResponse{RunID: "r1", TaskID: "t1", EstimatedCredits: 120, EstimatedScenes: 4, RemainingCredits: 380}
	if diff := cmp.Diff(want, *resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	got := (*reqs)[0]
	if got.method != http.MethodPost || got.path != "/api/v1/runs" {
		t.Errorf("request = %s %s", got.method, got.path)
	}
	if got.account != testAccount {
		t.Errorf("account header = %q", got.account)
	}
	if got.body["text"] != "Once upon a time" || got.body["video_model"] != "sora2" {
		t.Errorf("body = %v", got.body)
	}
	if _, ok := got.body["lip_sync"]; ok {
		t.Error("lip_sync=false must be omitted")
	}
}

func TestClient_InsufficientCredits(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusPaymentRequired,
		`{"error":{"code":"INSUFFICIENT_CREDITS","message":"insufficient credits","details":{"current":50,"requested":120}}}`)

	_, err := NewClient(srv.URL, testAccount).CreateRun(CreateRunRequest{Text: "x"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusPaymentRequired {
		t.Errorf("status = %d", apiErr.Status)
	}
	if want := "INSUFFICIENT_CREDITS: insufficient credits (balance 50, requested 120)"; err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestClient_NonJSONError(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusBadGateway, `bad gateway`)

	_, err := NewClient(srv.URL, "").GetRun("r1")
	if err == nil || err.Error() != "API error: HTTP 502" {
		t.Errorf("error = %v", err)
	}
}

func TestClient_ListAssets(t *testing.T) {
	srv, reqs := fakeAPI(t, http.StatusOK,
		`{"data":[{"id":"a1","type":"scene_image","name":"scene-1-shot-1","url":"https://fake/1"}],"total":41,"page":3,"page_size":20}`)

	assets, total, err := NewClient(srv.URL, testAccount).ListAssets(ListAssetsOpts{Type: "scene_image", Page: 3, PageSize: 20})
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if total != 41 || len(assets) != 1 || assets[0].Name != "scene-1-shot-1" {
		t.Errorf("assets = %+v, total = %d", assets, total)
	}
	if q := (*reqs)[0].query; q != "page=3&page_size=20&type=scene_image" {
		t.Errorf("query = %q", q)
	}
}

func TestRunResponse_Stopped(t *testing.T) {
	for status, want := range map[string]bool{
		"pending":    false,
		"processing": false,
		"partial":    true,
		"completed":  true,
		"failed":     true,
		"cancelled":  true,
	} {
		if got := (RunResponse{Status: status}).Stopped(); got != want {
			t.Errorf("Stopped(%s) = %v, want %v", status, got, want)
		}
	}
}

// --- Command Tests ---

func TestReadText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "story.txt")
	if err := os.WriteFile(path, []byte("from file"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		file    string
		want    string
		wantErr bool
	}{
		{"argument", []string{"from arg"}, "", "from arg", false},
		{"file", nil, path, "from file", false},
		{"stdin", nil, "-", "from stdin", false},
		{"both", []string{"x"}, path, "", true},
		{"none", nil, "", "", true},
		{"missing file", nil, filepath.Join(t.TempDir(), "nope.txt"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readText(strings.NewReader("from stdin"), tt.args, tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunStartCmd_FromStdin(t *testing.T) {
	srv, reqs := fakeAPI(t, http.StatusCreated, `{"data":{"run_id":"r1","task_id":"t1","estimated_credits":120,"estimated_scenes":4,"remaining_credits":380}}`)

	stdout, stderr, err := execute(t, srv, "A long story", "run", "start", "-f", "-", "--lip-sync", "--image-model", "midjourney")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	body := (*reqs)[0].body
	if body["text"] != "A long story" || body["lip_sync"] != true || body["image_model"] != "midjourney" {
		t.Errorf("body = %v", body)
	}
	if !strings.Contains(stderr, "Run started: r1") {
		t.Errorf("stderr = %q", stderr)
	}
	if !strings.Contains(stdout, "380") {
		t.Errorf("stdout must show remaining credits:\n%s", stdout)
	}
}

func TestRunShowCmd_PrintsStages(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusOK, `{"data":{
		"id":"r1","name":"Chapter 1","status":"partial","estimated_credits":120,"actual_credits":95,
		"stages":[
			{"id":"script","status":"completed"},
			{"id":"scene_videos","status":"failed","completed_sub_jobs":7,"failed_sub_jobs":2,"total_sub_jobs":10}
		]}}`)

	stdout, _, err := execute(t, srv, "", "run", "show", "r1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	for _, want := range []string{"Chapter 1", "95/120", "scene_videos", "7/10 (2 failed)"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestCreditsDeductCmd(t *testing.T) {
	srv, reqs := fakeAPI(t, http.StatusOK, `{"data":{"remaining":70}}`)

	_, stderr, err := execute(t, srv, "", "credits", "deduct", "30", "--description", "manual")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := (*reqs)[0]; got.path != "/api/v1/credits/deduct" || got.body["amount"] != float64(30) {
		t.Errorf("request = %+v", got)
	}
	if !strings.Contains(stderr, "remaining 70") {
		t.Errorf("stderr = %q", stderr)
	}

	if _, _, err := execute(t, srv, "", "credits", "deduct", "-5"); err == nil {
		t.Error("negative amount must be rejected before calling the API")
	}
}

func TestCreditsBalanceCmd_DefaultsToAccountFlag(t *testing.T) {
	srv, reqs := fakeAPI(t, http.StatusOK, `{"data":{"account_id":"`+testAccount+`","balance":500}}`)

	stdout, _, err := execute(t, srv, "", "credits", "balance")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if path := (*reqs)[0].path; path != "/api/v1/accounts/"+testAccount+"/credits" {
		t.Errorf("path = %q", path)
	}
	if !strings.Contains(stdout, "500") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestVideoCmd(t *testing.T) {
	srv, reqs := fakeAPI(t, http.StatusAccepted, `{"data":{"task_id":"t-9","credits_cost":10,"remaining_credits":40}}`)

	stdout, stderr, err := execute(t, srv, "", "video", "剑光划破夜空",
		"--image", "https://cdn.example.com/shots/1-1.png", "--duration", "10")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := (*reqs)[0]
	want := map[string]any{
		"prompt":           "剑光划破夜空",
		"source_image_url": "https://cdn.example.com/shots/1-1.png",
		"duration_seconds": float64(10),
	}
	if got.path != "/api/v1/generations/video" {
		t.Errorf("path = %q", got.path)
	}
	if diff := cmp.Diff(want, got.body); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(stderr, "Video task accepted: t-9") || !strings.Contains(stdout, "40") {
		t.Errorf("stdout = %q, stderr = %q", stdout, stderr)
	}

	if _, _, err := execute(t, srv, "", "video", "no image"); err == nil {
		t.Error("missing --image must be rejected before calling the API")
	}
	if len(*reqs) != 1 {
		t.Errorf("API called %d times, want 1", len(*reqs))
	}
}
