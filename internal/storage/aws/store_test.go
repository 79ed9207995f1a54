package aws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/storage"
)

func setupFakeS3(t *testing.T) (string, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket("hellofn-test"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return server.URL, Config{
		Endpoint:        server.URL,
		Region:          "us-east-1",
		Insecure:        true,
		ForcePathStyle:  true,
		Prefix:          "/fn/",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}
}

func TestPutObjectRoundTrip(t *testing.T) {
	serverURL, cfg := setupFakeS3(t)
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	target := storage.Target{Namespace: "ignored", Bucket: "hellofn-test"}
	info, err := store.PutObject(context.Background(), target, "hello-abc.txt", strings.NewReader("hello abc"), storage.PutObjectOptions{ContentType: storage.ContentTypeText})
	if err != nil {
		t.Fatalf("put object: %v", err)
	}
	if info.ETag == "" || info.Size != int64(len("hello abc")) {
		t.Fatalf("unexpected info %+v", info)
	}
	resp, err := http.Get(serverURL + "/hellofn-test/fn/hello-abc.txt")
	if err != nil {
		t.Fatalf("get object from fake: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(data) != "hello abc" {
		t.Fatalf("unexpected payload %q", data)
	}
}

func TestPutObjectMissingBucketIsUpstream(t *testing.T) {
	_, cfg := setupFakeS3(t)
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = store.PutObject(context.Background(), storage.Target{Bucket: "nope"}, "k.txt", strings.NewReader("x"), storage.PutObjectOptions{})
	if !fault.Is(err, fault.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	detail, _ := fault.UpstreamOf(err)
	if detail.Status != http.StatusNotFound || detail.Code != "NoSuchBucket" {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestNewRequiresRegion(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestApplySSEToPut(t *testing.T) {
	input := &s3.PutObjectInput{}
	applySSEToPut(input, "aws:kms", "key-1")
	if string(input.ServerSideEncryption) != "aws:kms" || input.SSEKMSKeyId == nil || *input.SSEKMSKeyId != "key-1" {
		t.Fatalf("unexpected sse fields %+v", input)
	}
	plain := &s3.PutObjectInput{}
	applySSEToPut(plain, "", "")
	if plain.ServerSideEncryption != "" {
		t.Fatalf("expected no sse, got %q", plain.ServerSideEncryption)
	}
}
