// Package envconfig extracts the function's identity and target settings from
// a one-time snapshot of the process environment.
package envconfig

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/hellofn/internal/fault"
)

// Environment variable names consumed by hellofn.
const (
	KeyUserOCID     = "OCI_USER_OCID"
	KeyFingerprint  = "OCI_FINGERPRINT"
	KeyTenancyOCID  = "OCI_TENANCY_OCID"
	KeyRegion       = "OCI_REGION"
	KeyPrivateKey   = "OCI_PRIVATE_KEY_CONTENT"
	KeyNamespace    = "OCI_NAMESPACE"
	KeyBucket       = "TARGET_BUCKET_NAME"
	KeyDBSecretOCID = "DB_SECRET_OCID"
)

// IdentityKeys lists the keys that must be present before any client is built.
var IdentityKeys = []string{KeyUserOCID, KeyFingerprint, KeyTenancyOCID, KeyRegion, KeyPrivateKey}

// TargetKeys lists the keys naming where objects are written.
var TargetKeys = []string{KeyNamespace, KeyBucket}

var allKeys = []string{
	KeyUserOCID, KeyFingerprint, KeyTenancyOCID, KeyRegion, KeyPrivateKey,
	KeyNamespace, KeyBucket, KeyDBSecretOCID,
}

// ErrMissing is matched by every MissingKeysError.
var ErrMissing = errors.New("envconfig: missing required configuration")

// MissingKeysError names every required key that was absent or empty.
type MissingKeysError struct {
	Keys []string
}

func (e *MissingKeysError) Error() string {
	return fmt.Sprintf("envconfig: missing required configuration: %s", strings.Join(e.Keys, ", "))
}

// Is lets errors.Is match ErrMissing.
func (e *MissingKeysError) Is(target error) bool { return target == ErrMissing }

// Environment is an immutable snapshot of the process environment.
type Environment struct {
	values map[string]string
}

// Snapshot parses KEY=VALUE pairs once. Entries without '=' or with an empty
// key are skipped. When a key repeats, the first non-empty value wins.
func Snapshot(environ []string) Environment {
	values := make(map[string]string, len(environ))
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if existing, seen := values[key]; seen && strings.TrimSpace(existing) != "" {
			continue
		}
		values[key] = value
	}
	return Environment{values: values}
}

// FromMap builds an Environment from m. The map is copied.
func FromMap(m map[string]string) Environment {
	values := make(map[string]string, len(m))
	for k, v := range m {
		values[k] = v
	}
	return Environment{values: values}
}

// Lookup returns the trimmed value for key and whether it is non-empty.
func (e Environment) Lookup(key string) (string, bool) {
	value := strings.TrimSpace(e.values[key])
	return value, value != ""
}

// Value returns the trimmed value for key, or "".
func (e Environment) Value(key string) string {
	value, _ := e.Lookup(key)
	return value
}

// Len reports how many variables the snapshot holds.
func (e Environment) Len() int { return len(e.values) }

// Option adjusts extraction.
type Option func(*options)

type options struct {
	requireTarget bool
	extra         []string
}

// RequireTarget makes the namespace and bucket keys fatal when missing.
func RequireTarget() Option {
	return func(o *options) { o.requireTarget = true }
}

// Require adds keys to the required set.
func Require(keys ...string) Option {
	return func(o *options) { o.extra = append(o.extra, keys...) }
}

// Resolved holds the configuration hellofn runs with.
type Resolved struct {
	UserOCID     string
	Fingerprint  string
	TenancyOCID  string
	Region       string
	PrivateKey   string
	Namespace    string
	Bucket       string
	DBSecretOCID string
}

// Extract resolves the configuration from env. It fails with a
// *MissingKeysError naming every missing key, never just the first.
func Extract(env Environment, opts ...Option) (Resolved, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	required := append([]string(nil), IdentityKeys...)
	if o.requireTarget {
		required = append(required, TargetKeys...)
	}
	required = append(required, o.extra...)

	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, key := range required {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := env.Lookup(key); !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Resolved{}, &fault.Error{
			Kind: fault.KindConfiguration,
			Op:   "envconfig.extract",
			Err:  &MissingKeysError{Keys: missing},
		}
	}
	return Resolved{
		UserOCID:     env.Value(KeyUserOCID),
		Fingerprint:  env.Value(KeyFingerprint),
		TenancyOCID:  env.Value(KeyTenancyOCID),
		Region:       env.Value(KeyRegion),
		PrivateKey:   env.Value(KeyPrivateKey),
		Namespace:    env.Value(KeyNamespace),
		Bucket:       env.Value(KeyBucket),
		DBSecretOCID: env.Value(KeyDBSecretOCID),
	}, nil
}

// MissingKeys returns the keys named by err, or nil.
func MissingKeys(err error) []string {
	var mk *MissingKeysError
	if errors.As(err, &mk) {
		return append([]string(nil), mk.Keys...)
	}
	return nil
}

// Get returns the value bound to an environment key name.
func (r Resolved) Get(key string) string {
	switch key {
	case KeyUserOCID:
		return r.UserOCID
	case KeyFingerprint:
		return r.Fingerprint
	case KeyTenancyOCID:
		return r.TenancyOCID
	case KeyRegion:
		return r.Region
	case KeyPrivateKey:
		return r.PrivateKey
	case KeyNamespace:
		return r.Namespace
	case KeyBucket:
		return r.Bucket
	case KeyDBSecretOCID:
		return r.DBSecretOCID
	}
	return ""
}

// DatabaseEnabled reports whether a database secret was configured.
func (r Resolved) DatabaseEnabled() bool { return r.DBSecretOCID != "" }

// Redacted renders the resolved values for logs. Key material is replaced
// with a length marker.
func (r Resolved) Redacted() map[string]string {
	out := make(map[string]string, len(allKeys))
	for _, key := range allKeys {
		value := r.Get(key)
		if key == KeyPrivateKey {
			value = redactLen(value)
		}
		out[key] = value
	}
	return out
}

// Keys returns the names of the populated fields in sorted order.
func (r Resolved) Keys() []string {
	var keys []string
	for key, value := range r.Redacted() {
		if value != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func redactLen(s string) string {
	if s == "" {
		return ""
	}
	return "<redacted " + strconv.Itoa(len(s)) + " bytes>"
}
