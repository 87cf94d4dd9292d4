package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sourcebruh/photosearch/internal/api"
	"github.com/sourcebruh/photosearch/internal/ingest"
	"github.com/sourcebruh/photosearch/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	Tenant string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			Tenant: r.Header.Get(api.TenantHeader),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client(tenant string) *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		tenant:     tenant,
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestSearch_RequestAndDecode(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /search": `[{"id":"a1","distance":0.12,"description":"a pie chart","album_title":"Work","timestamp":"2024-01-02T03:04:05Z","thumb_url":"/image/a1?thumb=1"}]`,
	})

	results, err := runSearch(ctx, ts.client("alice"), "go & charts", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].AlbumTitle != "Work" {
		t.Fatalf("results = %+v", results)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Path != "/search?q=go+%26+charts&top_k=5" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.Tenant != "alice" {
		t.Errorf("tenant header = %q, want alice", r.Tenant)
	}
}

func TestSearch_DefaultTopKAndTenant(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /search": `[]`})

	if _, err := runSearch(ctx, ts.client(""), "cats", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ts.requests[0]
	if strings.Contains(r.Path, "top_k") {
		t.Errorf("path = %q, want no top_k", r.Path)
	}
	if r.Tenant != "" {
		t.Errorf("tenant header = %q, want none", r.Tenant)
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	_, err := runSearch(ctx, ts.client(""), "x", 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestPostSync(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync": `{"job_id":"job-1","status":"queued"}`,
	})

	resp, err := ts.client("alice").post(ctx, "/sync", api.SyncRequest{Albums: []string{"Trip"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out map[string]string
	if err := decodeJSON(resp, &out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out["job_id"] != "job-1" {
		t.Errorf("job_id = %q", out["job_id"])
	}

	var body api.SyncRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if len(body.Albums) != 1 || body.Albums[0] != "Trip" {
		t.Errorf("body = %+v", body)
	}
}

func TestServerStopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client("").get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestSearchCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"search"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestFormatRun(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	got := formatRun(storage.SyncRun{
		ID:        "0123456789abcdef",
		Status:    "failed",
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Ingested:  3,
		Skipped:   4,
		Failed:    1,
		Error:     "oracle unavailable",
	})
	for _, want := range []string{"01234567", "failed", "ingested 3, skipped 4, failed 1", "oracle unavailable"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatRun = %q, missing %q", got, want)
		}
	}
	if strings.Contains(got, "89abcdef") {
		t.Errorf("formatRun = %q, want id shortened", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a longer description", 8, "a longer..."},
		{"日本語のテキスト", 3, "日本語..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestPrintReport_NoPanicOnEmpty(t *testing.T) {
	printReport(ingest.Report{})
	printReport(ingest.Report{
		Tenant:    "alice",
		Counts:    ingest.Counts{ingest.OutcomeIngested: 1},
		Albums:    []ingest.AlbumReport{{Title: "Trip", Counts: ingest.Counts{ingest.OutcomeIngested: 1}, Error: "boom"}},
		Unmatched: []string{"Missing"},
	})
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAllTenants(t *testing.T) {
	got := allTenants([]string{"default", "alice"}, []string{"alice", "bob", "", "carol"})
	want := []string{"default", "alice", "bob", "carol"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("allTenants = %v, want %v", got, want)
	}
	if got := allTenants([]string{"default"}, nil); len(got) != 1 || got[0] != "default" {
		t.Errorf("allTenants with nothing stored = %v", got)
	}
}

func TestFormatJobCounts(t *testing.T) {
	got := formatJobCounts(api.JobCounts{"pending": 2, "failed": 1})
	if got != "2 pending, 0 running, 0 completed, 1 failed" {
		t.Errorf("formatJobCounts = %q", got)
	}
}

func TestPutCredentials(t *testing.T) {
	ts := newTestServer(t, map[string]string{"PUT /credentials": `{}`})

	if err := putCredentials(ctx, ts.client("alice"), "tok-alice"); err != nil {
		t.Fatalf("putCredentials: %v", err)
	}
	r := ts.requests[0]
	if r.Method != http.MethodPut || r.Tenant != "alice" {
		t.Errorf("request = %+v", r)
	}
	var body api.CredentialsRequest
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil || body.PhotosAccessToken != "tok-alice" {
		t.Errorf("body = %q, %v", r.Body, err)
	}
}

func TestPutCredentials_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	if err := putCredentials(ctx, ts.client("alice"), "tok"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestReadToken(t *testing.T) {
	got, err := readToken(strings.NewReader("  tok-1\n"))
	if err != nil || got != "tok-1" {
		t.Errorf("readToken = %q, %v", got, err)
	}
}
