package oci

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/oracle/oci-go-sdk/v65/common"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/storage"
)

func testProvider(t *testing.T) common.ConfigurationProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	return common.NewRawConfigurationProvider(
		"ocid1.tenancy.oc1..test",
		"ocid1.user.oc1..test",
		"us-ashburn-1",
		"11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff:00",
		encoded,
		nil,
	)
}

type fakeObjectStorage struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	signed  bool
}

func (f *fakeObjectStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if r.Method != http.MethodPut || len(parts) != 6 || parts[0] != "n" || parts[2] != "b" || parts[4] != "o" {
		http.Error(w, "unexpected request", http.StatusBadRequest)
		return
	}
	w.Header().Set("opc-request-id", "req-1")
	if parts[3] != "my-bucket" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":"BucketNotFound","message":"Either the bucket named '`+parts[3]+`' does not exist in the namespace '`+parts[1]+`' or you are not authorized to access it"}`)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.objects[parts[1]+"/"+parts[3]+"/"+parts[5]] = string(body)
	f.types[parts[5]] = r.Header.Get("Content-Type")
	f.signed = strings.Contains(r.Header.Get("Authorization"), "Signature")
	f.mu.Unlock()
	w.Header().Set("ETag", "etag-1")
	w.WriteHeader(http.StatusOK)
}

func newTestStore(t *testing.T) (*Store, *fakeObjectStorage) {
	t.Helper()
	fake := &fakeObjectStorage{objects: map[string]string{}, types: map[string]string{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	store, err := New(Config{Provider: testProvider(t), Endpoint: server.URL})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, fake
}

func TestPutObjectWritesSignedRequest(t *testing.T) {
	store, fake := newTestStore(t)
	target := storage.Target{Namespace: "ns1", Bucket: "my-bucket"}
	info, err := store.PutObject(context.Background(), target, "hello.txt", strings.NewReader("hello"), storage.PutObjectOptions{ContentType: storage.ContentTypeText})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag != "etag-1" || info.RequestID != "req-1" || info.Size != 5 {
		t.Fatalf("unexpected info %+v", info)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if got := fake.objects["ns1/my-bucket/hello.txt"]; got != "hello" {
		t.Fatalf("unexpected stored body %q", got)
	}
	if fake.types["hello.txt"] != storage.ContentTypeText {
		t.Fatalf("unexpected content type %q", fake.types["hello.txt"])
	}
	if !fake.signed {
		t.Fatal("expected signed request")
	}
}

func TestPutObjectMapsServiceError(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.PutObject(context.Background(), storage.Target{Namespace: "ns1", Bucket: "missing"}, "hello.txt", strings.NewReader("hello"), storage.PutObjectOptions{})
	if !fault.Is(err, fault.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	detail, ok := fault.UpstreamOf(err)
	if !ok {
		t.Fatal("expected upstream detail")
	}
	if detail.Status != http.StatusNotFound || detail.Code != "BucketNotFound" || detail.RequestID != "req-1" {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if !strings.Contains(detail.Message, "missing") {
		t.Fatalf("upstream message not preserved: %q", detail.Message)
	}
}

func TestPutObjectRequiresNamespace(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.PutObject(context.Background(), storage.Target{Bucket: "my-bucket"}, "hello.txt", strings.NewReader("x"), storage.PutObjectOptions{})
	if err == nil || !strings.Contains(err.Error(), "namespace") {
		t.Fatalf("expected namespace error, got %v", err)
	}
}

func TestNewRequiresProvider(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without provider")
	}
}
