// Package secrets resolves the database credential bundle from a secret store.
// Secret payloads are base64-encoded JSON documents.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/hellofn/internal/envconfig"
	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/svcfields"
)

// DefaultPort is used when a bundle omits the port.
const DefaultPort = 5432

var (
	// ErrFetch marks a failed read from the secret store.
	ErrFetch = errors.New("secrets: fetch failed")
	// ErrDecode marks a payload that is not valid base64.
	ErrDecode = errors.New("secrets: payload is not valid base64")
	// ErrParse marks a payload that is not a usable credential document.
	ErrParse = errors.New("secrets: payload is not a valid credential bundle")
)

// Fetcher reads a secret and returns its base64 payload.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, id string) (string, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, id string) (string, error) { return f(ctx, id) }

// Port accepts a JSON number or a numeric string.
type Port int

// UnmarshalJSON implements json.Unmarshaler.
func (p *Port) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*p = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %s", data)
	}
	*p = Port(n)
	return nil
}

// Bundle is the database credential document stored in the secret.
type Bundle struct {
	Host     string `json:"host"`
	Port     Port   `json:"port"`
	DBName   string `json:"dbname"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate checks the fields needed to connect.
func (b Bundle) Validate() error {
	var missing []string
	if strings.TrimSpace(b.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(b.DBName) == "" {
		missing = append(missing, "dbname")
	}
	if strings.TrimSpace(b.Username) == "" {
		missing = append(missing, "username")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrParse, strings.Join(missing, ", "))
	}
	return nil
}

// ConnString renders a postgres:// URL. It contains the password and must
// never be logged.
func (b Bundle) ConnString() string {
	port := int(b.Port)
	if port == 0 {
		port = DefaultPort
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(b.Username, b.Password),
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(port)),
		Path:   "/" + b.DBName,
	}
	return u.String()
}

// Redacted renders the bundle without the password.
func (b Bundle) Redacted() string {
	port := int(b.Port)
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s@%s:%d/%s", b.Username, b.Host, port, b.DBName)
}

func (b Bundle) String() string { return b.Redacted() }

// Decode base64-decodes payload and parses the bundle. Standard padded and
// unpadded encodings are both accepted.
func Decode(payload string) (Bundle, error) {
	payload = strings.TrimSpace(payload)
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return Bundle{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := bundle.Validate(); err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

// Resolve fetches the secret id through f and decodes it into a Bundle.
func Resolve(ctx context.Context, f Fetcher, id string, logger pslog.Logger) (Bundle, error) {
	logger = svcfields.Ensure(logger)
	if f == nil {
		return Bundle{}, fault.New(fault.KindConfiguration, "secrets.resolve", "Configuration Error: no secret source configured")
	}
	if strings.TrimSpace(id) == "" {
		return Bundle{}, fault.New(fault.KindConfiguration, "secrets.resolve", "Configuration Error: Missing environment variable "+envconfig.KeyDBSecretOCID)
	}
	logger.Debug("secret.fetch.begin", "secret_id", id)
	payload, err := f.Fetch(ctx, id)
	if err != nil {
		if fault.KindOf(err) != fault.KindUnexpected {
			return Bundle{}, fmt.Errorf("%w: %w", ErrFetch, err)
		}
		return Bundle{}, fault.Wrap(fault.KindUpstream, "secrets.fetch", fmt.Errorf("%w: %w", ErrFetch, err))
	}
	bundle, err := Decode(payload)
	if err != nil {
		return Bundle{}, fault.Wrap(fault.KindConfiguration, "secrets.decode", err)
	}
	logger.Info("secret.resolved", "secret_id", id, "database", bundle.Redacted())
	return bundle, nil
}

// EnvFetcher reads the payload from the environment snapshot. The secret id is
// the variable name. Intended for local development.
type EnvFetcher struct {
	Env envconfig.Environment
}

// Fetch implements Fetcher.
func (e EnvFetcher) Fetch(_ context.Context, id string) (string, error) {
	value, ok := e.Env.Lookup(id)
	if !ok {
		return "", fmt.Errorf("environment variable %s is empty or unset", id)
	}
	return value, nil
}
