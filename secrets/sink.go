// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package secrets resolves symbolic credential references at driver
// construction time. Backends are consulted in configured order; the first
// hit wins. Raw secret values never leave the driver that requested them.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no backend can resolve a reference. Callers
// register the affected device with the disabled driver instead of failing
// the whole load.
var ErrNotFound = errors.New("secret reference not found in any backend")

// encPrefix marks an encrypted secrets file. The remainder is base64 of
// nonce||ciphertext sealed with AES-256-GCM keyed by ARGUS_SECRETS_KEY.
const encPrefix = "argusenc:v1:"

// managerTimeout bounds one external secret manager call.
const managerTimeout = 60 * time.Second

// Backend resolves one secret reference.
type Backend interface {
	Name() string
	Lookup(ctx context.Context, ref string) (string, bool, error)
}

// Sink fans a reference out over the configured backends.
type Sink struct {
	logger   hclog.Logger
	backends []Backend
}

// NewSink parses backend specs of the form "env", "file:<path>" and
// "manager:<url>" in priority order. An empty spec list yields an env-only
// sink.
func NewSink(specs []string, logger hclog.Logger) (*Sink, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("secrets")

	if len(specs) == 0 {
		specs = []string{"env"}
	}

	backends := make([]Backend, 0, len(specs))
	for _, spec := range specs {
		switch {
		case spec == "env":
			backends = append(backends, &EnvBackend{})
		case strings.HasPrefix(spec, "file:"):
			backends = append(backends, &FileBackend{Path: strings.TrimPrefix(spec, "file:")})
		case strings.HasPrefix(spec, "manager:"):
			raw := strings.TrimPrefix(spec, "manager:")
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" {
				return nil, fmt.Errorf("secret backend %q: invalid manager url", spec)
			}
			backends = append(backends, &ManagerBackend{BaseURL: strings.TrimRight(raw, "/")})
		default:
			return nil, fmt.Errorf("unknown secret backend %q", spec)
		}
	}
	return &Sink{logger: logger, backends: backends}, nil
}

// Resolve returns the secret for ref, or ErrNotFound when every backend
// misses. Backend errors other than a miss abort resolution so a flaky
// manager does not silently disable devices.
func (s *Sink) Resolve(ctx context.Context, ref string) (string, error) {
	for _, b := range s.backends {
		val, ok, err := b.Lookup(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("secret backend %s: %w", b.Name(), err)
		}
		if ok {
			s.logger.Debug("resolved secret reference", "ref", ref, "backend", b.Name())
			return val, nil
		}
	}
	return "", fmt.Errorf("reference %q: %w", ref, ErrNotFound)
}

// EnvBackend resolves references against process environment variables of
// the same name.
type EnvBackend struct{}

func (*EnvBackend) Name() string { return "env" }

func (*EnvBackend) Lookup(_ context.Context, ref string) (string, bool, error) {
	val, ok := os.LookupEnv(ref)
	if !ok || val == "" {
		return "", false, nil
	}
	return val, true, nil
}

// FileBackend resolves references against a YAML or JSON map on disk. The
// file may be sealed with AES-256-GCM (see encPrefix); the key is derived
// from ARGUS_SECRETS_KEY.
type FileBackend struct {
	Path string

	once    sync.Once
	loadErr error
	values  map[string]string
}

func (*FileBackend) Name() string { return "file" }

func (f *FileBackend) Lookup(_ context.Context, ref string) (string, bool, error) {
	f.once.Do(f.load)
	if f.loadErr != nil {
		return "", false, f.loadErr
	}
	val, ok := f.values[ref]
	return val, ok, nil
}

func (f *FileBackend) load() {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		f.loadErr = err
		return
	}
	if strings.HasPrefix(strings.TrimSpace(string(raw)), encPrefix) {
		raw, err = decryptFile(raw)
		if err != nil {
			f.loadErr = err
			return
		}
	}
	values := map[string]string{}
	if strings.HasSuffix(f.Path, ".json") {
		err = json.Unmarshal(raw, &values)
	} else {
		err = yaml.Unmarshal(raw, &values)
	}
	if err != nil {
		f.loadErr = fmt.Errorf("parsing secrets file %s: %w", f.Path, err)
		return
	}
	f.values = values
}

func decryptFile(raw []byte) ([]byte, error) {
	keyMaterial := os.Getenv("ARGUS_SECRETS_KEY")
	if keyMaterial == "" {
		return nil, errors.New("secrets file is encrypted but ARGUS_SECRETS_KEY is unset")
	}
	payload := strings.TrimPrefix(strings.TrimSpace(string(raw)), encPrefix)
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed secrets: %w", err)
	}

	key := sha256.Sum256([]byte(keyMaterial))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed secrets too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// ManagerBackend resolves references against an external secret manager
// over HTTP: GET <base>/v1/secret/<ref> returns the raw value with 200, or
// 404 on a miss.
type ManagerBackend struct {
	BaseURL string

	// HTTPClient may be overridden in tests. Nil uses a client with the
	// manager timeout.
	HTTPClient *http.Client
}

func (*ManagerBackend) Name() string { return "manager" }

func (m *ManagerBackend) Lookup(ctx context.Context, ref string) (string, bool, error) {
	client := m.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: managerTimeout}
	}

	ctx, cancel := context.WithTimeout(ctx, managerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.BaseURL+"/v1/secret/"+url.PathEscape(ref), nil)
	if err != nil {
		return "", false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", false, err
		}
		return strings.TrimSpace(string(body)), true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("secret manager returned status %d", resp.StatusCode)
	}
}
