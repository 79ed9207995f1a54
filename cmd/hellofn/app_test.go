package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/hellofn/internal/envconfig"
	"pkt.systems/hellofn/internal/pemkey"
	"pkt.systems/hellofn/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// isolateEnv keeps the host environment and home config out of the command.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HELLOFN_CONFIG", "")
	t.Setenv("HELLOFN_CONFIG_DIR", t.TempDir())
	for _, key := range append(append([]string{}, envconfig.IdentityKeys...), envconfig.KeyNamespace, envconfig.KeyBucket, envconfig.KeyDBSecretOCID) {
		t.Setenv(key, "")
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	isolateEnv(t)
	stdout, stderr, err := executeRootCommand(t, "", "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandJSON(t *testing.T) {
	isolateEnv(t)
	stdout, _, err := executeRootCommand(t, "", "version", "--json")
	if err != nil {
		t.Fatalf("version --json failed: %v", err)
	}
	var info version.Info
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("decode: %v (%q)", err, stdout)
	}
	if info.Version != version.Current() || info.GoVersion == "" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestConfigGenStdout(t *testing.T) {
	isolateEnv(t)
	stdout, _, err := executeRootCommand(t, "", "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen failed: %v", err)
	}
	var got configFile
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if got.Store != "oci://" || got.ListenProto != "tcp" || got.Listen != "" {
		t.Fatalf("unexpected defaults %+v", got)
	}
	if got.SecretSource != "oci" || got.DBMaxConns != 5 || got.ShutdownTimeout != "10s" {
		t.Fatalf("unexpected defaults %+v", got)
	}
	if strings.Contains(stdout, "OCI_PRIVATE_KEY_CONTENT:") {
		t.Fatal("identity must not be written to the config file")
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	isolateEnv(t)
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "", "config", "gen", "--out", out); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "", "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "", "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "", "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatal("expected --stdout/--out conflict")
	}
}

func TestConfigShowMergesFileAndEnv(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "hellofn.yaml")
	if err := os.WriteFile(path, []byte("greeting: hi there\ndb-max-conns: 3\nstore: mem://\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HELLOFN_S3_SECRET_ACCESS_KEY", "supersecret")
	t.Setenv("HELLOFN_OBJECT_PREFIX", "from-env")
	t.Setenv(envconfig.KeyUserOCID, "ocid1.user.oc1..abc")
	t.Setenv(envconfig.KeyRegion, "eu-frankfurt-1")
	t.Setenv(envconfig.KeyBucket, "my-bucket")

	stdout, _, err := executeRootCommand(t, "", "config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	var view effectiveConfig
	if err := yaml.Unmarshal([]byte(stdout), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Settings.Greeting != "hi there" || view.Settings.DBMaxConns != 3 || view.Settings.Store != "mem://" {
		t.Fatalf("config file not applied: %+v", view.Settings)
	}
	if view.Settings.ObjectPrefix != "from-env" {
		t.Fatalf("env not applied: %q", view.Settings.ObjectPrefix)
	}
	if view.Settings.S3SecretAccessKey != "<redacted>" {
		t.Fatalf("secret not redacted: %q", view.Settings.S3SecretAccessKey)
	}
	if strings.Contains(stdout, "supersecret") || strings.Contains(stdout, "ocid1.user") {
		t.Fatalf("secret leaked: %s", stdout)
	}
	env := view.Environment
	if env[envconfig.KeyRegion] != "eu-frankfurt-1" || env[envconfig.KeyBucket] != "my-bucket" {
		t.Fatalf("unexpected environment view %v", env)
	}
	if env[envconfig.KeyPrivateKey] != "<unset>" || !strings.HasPrefix(env[envconfig.KeyUserOCID], "<redacted") {
		t.Fatalf("unexpected identity view %v", env)
	}
}

func TestConfigExplicitMissingFile(t *testing.T) {
	isolateEnv(t)
	_, _, err := executeRootCommand(t, "", "config", "show", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing file error, got %v", err)
	}
}

func flatPKCS1(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return strings.ReplaceAll(string(block), "\n", " "), key
}

func TestPEMCommandReconstructsFromStdin(t *testing.T) {
	isolateEnv(t)
	raw, _ := flatPKCS1(t)
	stdout, _, err := executeRootCommand(t, raw, "pem")
	if err != nil {
		t.Fatalf("pem failed: %v", err)
	}
	want, err := pemkey.Reconstruct(raw)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if stdout != want {
		t.Fatalf("unexpected pem output:\n%s", stdout)
	}
}

func TestPEMCommandFingerprint(t *testing.T) {
	isolateEnv(t)
	raw, key := flatPKCS1(t)
	stdout, _, err := executeRootCommand(t, "", "pem", "--fingerprint", "--key", raw)
	if err != nil {
		t.Fatalf("pem --fingerprint failed: %v", err)
	}
	want, err := pemkey.Fingerprint(key)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if strings.TrimSpace(stdout) != want {
		t.Fatalf("unexpected fingerprint %q want %q", stdout, want)
	}
}

func TestPEMCommandRejectsGarbage(t *testing.T) {
	isolateEnv(t)
	if _, _, err := executeRootCommand(t, "", "pem"); err == nil {
		t.Fatal("expected empty input error")
	}
	_, _, err := executeRootCommand(t, "", "pem", "--key", "not a key!")
	if !errors.Is(err, pemkey.ErrInvalidKeyMaterial) {
		t.Fatalf("expected invalid key material, got %v", err)
	}
}

func TestRootCommandFailsWithoutIdentity(t *testing.T) {
	isolateEnv(t)
	_, _, err := executeRootCommand(t, "", "--store", "mem://", "--listen", "127.0.0.1:0")
	if !errors.Is(err, envconfig.ErrMissing) {
		t.Fatalf("expected missing identity error, got %v", err)
	}
	missing := envconfig.MissingKeys(err)
	if len(missing) != len(envconfig.IdentityKeys) {
		t.Fatalf("expected every identity key reported, got %v", missing)
	}
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	isolateEnv(t)
	_, _, err := executeRootCommand(t, "", "--listen-proto", "udp")
	if err == nil || !strings.Contains(err.Error(), "listen proto") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandPath("~/cfg.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "cfg.yaml") {
		t.Fatalf("unexpected path %q", got)
	}
	if got, _ := expandPath(""); got != "" {
		t.Fatalf("expected empty path, got %q", got)
	}
}
