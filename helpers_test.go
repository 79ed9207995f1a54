package hellofn

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"sync"
	"testing"

	"pkt.systems/hellofn/internal/envconfig"
	"pkt.systems/hellofn/internal/pemkey"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if testKeyErr != nil {
		t.Fatalf("generate key: %v", testKeyErr)
	}
	return testKey
}

// identityEnv returns a complete environment whose private key arrives the
// way function hosts hand it over: PKCS#1, with literal \n escapes.
func identityEnv(t *testing.T, extra map[string]string) map[string]string {
	t.Helper()
	key := rsaKey(t)
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	fp, err := pemkey.Fingerprint(key)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	env := map[string]string{
		envconfig.KeyUserOCID:    "ocid1.user.oc1..aaaauser",
		envconfig.KeyFingerprint: fp,
		envconfig.KeyTenancyOCID: "ocid1.tenancy.oc1..aaaatenancy",
		envconfig.KeyRegion:      "eu-frankfurt-1",
		envconfig.KeyPrivateKey:  strings.ReplaceAll(string(block), "\n", `\n`),
		envconfig.KeyNamespace:   "ns1",
		envconfig.KeyBucket:      "my-bucket",
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func testEnv(t *testing.T, extra map[string]string) envconfig.Environment {
	t.Helper()
	return envconfig.FromMap(identityEnv(t, extra))
}

// lockedBuffer is a goroutine-safe log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
