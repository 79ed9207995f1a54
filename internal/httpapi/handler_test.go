package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/hellofn/internal/database"
	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/invocation"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/storage/memory"
)

type fakeDB struct {
	version string
	err     error
	calls   int
	mu      sync.Mutex
}

func (f *fakeDB) Version(context.Context) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.version, f.err
}

func (f *fakeDB) Stat() database.Stats { return database.Stats{Idle: 1, Total: 1, Max: 5} }

func newServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	mux := http.NewServeMux()
	New(cfg).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func post(t *testing.T, server *httptest.Server, id string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, server.URL+"/call", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if id != "" {
		req.Header.Set(invocation.HeaderName, id)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func decodeError(t *testing.T, body []byte) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return out
}

func TestCallUnsafeInvocationIDsGetDistinctObjects(t *testing.T) {
	mem := memory.New()
	server := newServer(t, Config{Store: mem, Namespace: "ns1", Bucket: "my-bucket"})
	names := map[string]bool{}
	for _, id := range []string{"a/../x", "b/../x"} {
		resp, body := post(t, server, id)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", id, resp.StatusCode, body)
		}
		var out CallResponse
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.InvocationID == id || strings.Contains(out.ObjectName, "/") {
			t.Fatalf("unsafe id must be replaced, got %+v", out)
		}
		if _, ok := mem.Get(storage.Target{Namespace: "ns1", Bucket: "my-bucket"}, out.ObjectName); !ok {
			t.Fatalf("object %q not written under its reported name", out.ObjectName)
		}
		names[out.ObjectName] = true
	}
	if len(names) != 2 {
		t.Fatalf("expected two distinct objects, got %v", names)
	}
}

func TestCallWritesObject(t *testing.T) {
	mem := memory.New()
	server := newServer(t, Config{Store: mem, Namespace: "ns1", Bucket: "my-bucket"})

	resp, body := post(t, server, "abc-123")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out CallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := CallResponse{
		Status:       "success",
		Message:      MessageWritten,
		InvocationID: "abc-123",
		Bucket:       "my-bucket",
		ObjectName:   "hello-from-function-abc-123.txt",
	}
	if out != want {
		t.Fatalf("unexpected response %+v", out)
	}
	if strings.Contains(string(body), "database_version") {
		t.Fatalf("database_version should be omitted: %s", body)
	}
	if got := resp.Header.Get(ResponseHeaderInvocationID); got != "abc-123" {
		t.Fatalf("expected invocation id header, got %q", got)
	}
	obj, ok := mem.Get(storage.Target{Namespace: "ns1", Bucket: "my-bucket"}, "hello-from-function-abc-123.txt")
	if !ok {
		t.Fatal("object not written")
	}
	if string(obj.Payload) != "Hello from OCI Function! This is invocation abc-123." {
		t.Fatalf("unexpected payload %q", obj.Payload)
	}
	if obj.ContentType != storage.ContentTypeText {
		t.Fatalf("unexpected content type %q", obj.ContentType)
	}
}

func TestCallWithDatabase(t *testing.T) {
	db := &fakeDB{version: "PostgreSQL 14.9 on x86_64-pc-linux-gnu, compiled by gcc"}
	var logs bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &logs, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	server := newServer(t, Config{Store: memory.New(), DB: db, DatabaseRequired: true, Namespace: "ns1", Bucket: "my-bucket", Logger: logger})

	resp, body := post(t, server, "db-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out CallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Message != MessageWrittenAndVerified || out.DatabaseVersion != db.version {
		t.Fatalf("unexpected response %+v", out)
	}
	if !strings.Contains(logs.String(), "PostgreSQL 14.9 on x86_64-pc-l...") {
		t.Fatalf("expected truncated version in logs, got %s", logs.String())
	}
	if strings.Contains(logs.String(), "compiled by gcc") {
		t.Fatal("full version should not be logged")
	}
}

func TestCallGeneratesInvocationID(t *testing.T) {
	mem := memory.New()
	server := newServer(t, Config{Store: mem, Namespace: "ns1", Bucket: "b"})
	resp, body := post(t, server, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	id := resp.Header.Get(ResponseHeaderInvocationID)
	if len(id) != 36 {
		t.Fatalf("expected generated uuid, got %q", id)
	}
	if _, ok := mem.Get(storage.Target{Namespace: "ns1", Bucket: "b"}, ObjectName(DefaultObjectPrefix, id)); !ok {
		t.Fatal("object for generated id not written")
	}
}

func TestCallStoreUnavailable(t *testing.T) {
	server := newServer(t, Config{Namespace: "ns1", Bucket: "b"})
	resp, body := post(t, server, "x")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if got := decodeError(t, body); got.Status != "error" || got.Message != "Service Unavailable: object storage client not initialized." {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestCallDatabaseRequiredButMissing(t *testing.T) {
	mem := memory.New()
	server := newServer(t, Config{Store: mem, DatabaseRequired: true, Namespace: "ns1", Bucket: "b"})
	resp, body := post(t, server, "x")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if got := decodeError(t, body); got.Message != "Service Unavailable: database pool not initialized." {
		t.Fatalf("unexpected body %+v", got)
	}
	if keys := mem.Keys(storage.Target{Namespace: "ns1", Bucket: "b"}); len(keys) != 0 {
		t.Fatalf("no write expected, got %v", keys)
	}
}

func TestCallMissingNamespace(t *testing.T) {
	server := newServer(t, Config{Store: memory.New(), Bucket: "b"})
	resp, body := post(t, server, "x")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if got := decodeError(t, body); got.Message != "Configuration Error: Missing environment variable OCI_NAMESPACE" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestCallMissingBucket(t *testing.T) {
	server := newServer(t, Config{Store: memory.New(), Namespace: "ns1"})
	_, body := post(t, server, "x")
	if got := decodeError(t, body); got.Message != "Configuration Error: Missing environment variable TARGET_BUCKET_NAME" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestCallUpstreamStorageError(t *testing.T) {
	mem := memory.New(memory.WithBuckets(storage.Target{Namespace: "ns1", Bucket: "other"}))
	server := newServer(t, Config{Store: mem, Namespace: "ns1", Bucket: "my-bucket"})
	resp, body := post(t, server, "x")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	got := decodeError(t, body)
	if !strings.HasPrefix(got.Message, "Object Storage Error: ") || !strings.Contains(got.Message, "my-bucket") {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestCallUnexpectedErrorIsGeneric(t *testing.T) {
	mem := memory.New()
	mem.FailWith(errors.New("disk on fire at /secret/path"))
	server := newServer(t, Config{Store: mem, Namespace: "ns1", Bucket: "b"})
	resp, body := post(t, server, "x")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if got := decodeError(t, body); got.Message != "An internal error occurred." {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestCallDatabaseError(t *testing.T) {
	db := &fakeDB{err: fault.Upstream("database.version", fault.UpstreamDetail{Service: "postgres", Message: "terminating connection due to administrator command"}, errors.New("57P01"))}
	server := newServer(t, Config{Store: memory.New(), DB: db, Namespace: "ns1", Bucket: "b"})
	resp, body := post(t, server, "x")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if got := decodeError(t, body); got.Message != "Database Error: terminating connection due to administrator command" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestCallRejectsGet(t *testing.T) {
	server := newServer(t, Config{Store: memory.New(), Namespace: "ns1", Bucket: "b"})
	resp, err := server.Client().Get(server.URL + "/call")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestConcurrentCallsDoNotCollide(t *testing.T) {
	mem := memory.New()
	server := newServer(t, Config{Store: mem, Namespace: "ns1", Bucket: "b"})
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, server.URL+"/call", nil)
			req.Header.Set(invocation.HeaderName, fmt.Sprintf("inv-%02d", i))
			resp, err := server.Client().Do(req)
			if err != nil {
				errs <- err
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("invocation %d: status %d", i, resp.StatusCode)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if keys := mem.Keys(storage.Target{Namespace: "ns1", Bucket: "b"}); len(keys) != n {
		t.Fatalf("expected %d distinct objects, got %d", n, len(keys))
	}
}

func TestReadyz(t *testing.T) {
	server := newServer(t, Config{Store: memory.New(), DB: &fakeDB{}, Namespace: "ns1", Bucket: "b"})
	resp, err := server.Client().Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || out.Storage != "mem" || out.Pool == nil || out.Pool.Max != 5 {
		t.Fatalf("unexpected readiness %d %+v", resp.StatusCode, out)
	}

	unready := newServer(t, Config{DatabaseRequired: true})
	resp2, err := unready.Client().Get(unready.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp2.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	server := newServer(t, Config{})
	resp, err := server.Client().Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestTruncateVersion(t *testing.T) {
	if got := truncateVersion("short"); got != "short..." {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncateVersion(strings.Repeat("v", 40)); got != strings.Repeat("v", 30)+"..." {
		t.Fatalf("unexpected %q", got)
	}
}
