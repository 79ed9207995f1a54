package pemkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"pkt.systems/hellofn/internal/fault"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func pkcs1PEM(t *testing.T) string {
	t.Helper()
	der := x509.MarshalPKCS1PrivateKey(rsaKey(t))
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

func pkcs8PEM(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(rsaKey(t))
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestReconstructWrapsFlatBody(t *testing.T) {
	body := "MIIEvQIBADANBgkqh" + strings.Repeat("A", 400-len("MIIEvQIBADANBgkqh"))
	got, err := Reconstruct(body)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if !strings.HasSuffix(got, "\n") {
		t.Fatal("expected trailing newline")
	}
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if lines[0] != Header || lines[len(lines)-1] != Footer {
		t.Fatalf("unexpected framing: %q / %q", lines[0], lines[len(lines)-1])
	}
	bodyLines := lines[1 : len(lines)-1]
	if len(bodyLines) != 7 {
		t.Fatalf("expected ceil(400/64)=7 body lines, got %d", len(bodyLines))
	}
	for i, line := range bodyLines {
		if len(line) > LineWidth {
			t.Fatalf("line %d exceeds %d columns: %d", i, LineWidth, len(line))
		}
	}
	if strings.Join(bodyLines, "") != body {
		t.Fatal("body content changed during wrapping")
	}
}

func TestReconstructRoundTripsRealKeys(t *testing.T) {
	for name, encoded := range map[string]string{"pkcs1": pkcs1PEM(t), "pkcs8": pkcs8PEM(t)} {
		flat := strings.ReplaceAll(encoded, "\n", "")
		got, err := Reconstruct(flat)
		if err != nil {
			t.Fatalf("%s: reconstruct: %v", name, err)
		}
		if err := Validate(got); err != nil {
			t.Fatalf("%s: reconstructed key rejected: %v", name, err)
		}
		again, err := Reconstruct(got)
		if err != nil {
			t.Fatalf("%s: second reconstruct: %v", name, err)
		}
		if again != got {
			t.Fatalf("%s: reconstruction is not idempotent", name)
		}
		if strings.Count(got, "-----BEGIN") != 1 || strings.Count(got, "-----END") != 1 {
			t.Fatalf("%s: markers duplicated:\n%s", name, got)
		}
	}
}

func TestReconstructHandlesEscapedNewlines(t *testing.T) {
	escaped := strings.ReplaceAll(pkcs1PEM(t), "\n", `\n`)
	got, err := Reconstruct(escaped)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if got != pkcs1PEM(t) {
		t.Fatal("expected escaped key to rebuild the canonical PKCS#1 encoding")
	}
}

func TestReconstructRejectsEmptyBody(t *testing.T) {
	for _, raw := range []string{"", "   \n\t", Header + "\n" + Footer + "\n"} {
		_, err := Reconstruct(raw)
		if !errors.Is(err, ErrInvalidKeyMaterial) {
			t.Fatalf("raw %q: expected ErrInvalidKeyMaterial, got %v", raw, err)
		}
		if !fault.Is(err, fault.KindInvalidKeyMaterial) {
			t.Fatalf("raw %q: expected invalid key kind, got %s", raw, fault.KindOf(err))
		}
	}
}

func TestReconstructRejectsForeignCharacters(t *testing.T) {
	if _, err := Reconstruct("MIIE$vQ"); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("expected ErrInvalidKeyMaterial, got %v", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	garbage, err := Reconstruct(strings.Repeat("QUJD", 40))
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if err := Validate(garbage); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("expected ErrInvalidKeyMaterial, got %v", err)
	}
	if err := Validate("not pem"); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("expected ErrInvalidKeyMaterial, got %v", err)
	}
}

func TestFingerprintFormat(t *testing.T) {
	fp, err := Fingerprint(rsaKey(t))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if !regexp.MustCompile(`^([0-9a-f]{2}:){15}[0-9a-f]{2}$`).MatchString(fp) {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
}

func TestMaterialRelease(t *testing.T) {
	flat := strings.ReplaceAll(pkcs8PEM(t), "\n", " ")
	m, err := Acquire(flat)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	encoded, err := m.PEM()
	if err != nil {
		t.Fatalf("pem: %v", err)
	}
	if !strings.HasPrefix(encoded, Header) {
		t.Fatalf("unexpected header in %q", encoded[:32])
	}
	want, _ := Fingerprint(rsaKey(t))
	if m.Fingerprint() != want {
		t.Fatalf("fingerprint mismatch: %s vs %s", m.Fingerprint(), want)
	}
	copied := m.Bytes()
	if string(copied) != encoded {
		t.Fatal("bytes differ from pem")
	}
	m.Release()
	m.Release()
	if string(copied) != encoded {
		t.Fatal("release must not touch returned copies")
	}
	if m.Bytes() != nil {
		t.Fatal("expected nil bytes after release")
	}
	if !m.Released() {
		t.Fatal("expected released material")
	}
	if _, err := m.PEM(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	var nilMaterial *Material
	nilMaterial.Release()
}

func TestAcquireRejectsUnusableKey(t *testing.T) {
	m, err := Acquire(strings.Repeat("QUJD", 40))
	if err == nil || m != nil {
		t.Fatalf("expected failure, got %v / %v", m, err)
	}
}
