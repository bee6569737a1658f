// Package secrets keeps exchange credentials encrypted at rest. The file is
// sealed with XChaCha20-Poly1305 under a key derived by Argon2id from the
// master passphrase; a fresh salt and nonce are drawn on every save.
package secrets

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileVersion = 1
	saltSize    = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrNoMasterKey = errors.New("master key not set")
	ErrDecrypt     = errors.New("secrets file cannot be decrypted with this master key")
)

// Credentials are opaque to everything except the exchange adapter that
// signs with them. String and JSON output are redacted.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

func (c Credentials) Empty() bool { return c.APIKey == "" && c.APISecret == "" }

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{api_key=%s api_secret=%s passphrase=%s}", Redact(c.APIKey), Redact(c.APISecret), Redact(c.Passphrase))
}

func (c Credentials) GoString() string { return c.String() }

func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"api_key":    Redact(c.APIKey),
		"api_secret": Redact(c.APISecret),
		"passphrase": Redact(c.Passphrase),
	})
}

// Redact keeps a short prefix of long values so operators can tell keys
// apart.
func Redact(v string) string {
	switch {
	case v == "":
		return ""
	case len(v) <= 8:
		return "****"
	default:
		return v[:4] + "****"
	}
}

type sealedCreds struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type envelope struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// Store is the decrypted view of the secrets file.
type Store struct {
	path   string
	master []byte

	mu    sync.RWMutex
	creds map[string]Credentials
}

// Open decrypts path with master. A missing file yields an empty store.
func Open(path string, master []byte) (*Store, error) {
	if len(master) == 0 {
		return nil, ErrNoMasterKey
	}
	s := &Store{path: path, master: append([]byte(nil), master...), creds: map[string]Credentials{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode secrets envelope: %w", err)
	}
	if env.Version != fileVersion {
		return nil, fmt.Errorf("unsupported secrets version %d", env.Version)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(master, env.Salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, env.Nonce, env.Data, []byte(filepath.Base(path)))
	if err != nil {
		return nil, ErrDecrypt
	}
	var stored map[string]sealedCreds
	if err := json.Unmarshal(plain, &stored); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	for name, c := range stored {
		s.creds[name] = Credentials(c)
	}
	return s, nil
}

func deriveKey(master, salt []byte) []byte {
	return argon2.IDKey(master, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

func (s *Store) Get(exchange string) (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[strings.ToLower(exchange)]
	return c, ok
}

// Put stores c in memory; call Save to persist.
func (s *Store) Put(exchange string, c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[strings.ToLower(exchange)] = c
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.creds))
	for n := range s.creds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Save seals the store and atomically replaces the file (mode 0600).
func (s *Store) Save() error {
	s.mu.RLock()
	stored := make(map[string]sealedCreds, len(s.creds))
	for n, c := range s.creds {
		stored[n] = sealedCreds(c)
	}
	s.mu.RUnlock()

	plain, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	salt := make([]byte, saltSize)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(s.master, salt))
	if err != nil {
		return err
	}
	env := envelope{Version: fileVersion, Salt: salt, Nonce: nonce, Data: aead.Seal(nil, nonce, plain, []byte(filepath.Base(s.path)))}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("secrets dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace secrets: %w", err)
	}
	return nil
}

// EnvName builds PREFIX_EXCHANGE_FIELD with the exchange upper-cased and
// every non-alphanumeric rune replaced by '_'.
func EnvName(prefix, exchange, field string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(exchange) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return prefix + "_" + b.String() + "_" + field
}

// FromEnv reads one exchange's credentials through lookup (os.LookupEnv in
// production). ok is false when no API key is set.
func FromEnv(prefix, exchange string, lookup func(string) (string, bool)) (Credentials, bool) {
	get := func(field string) string {
		v, _ := lookup(EnvName(prefix, exchange, field))
		return strings.TrimSpace(v)
	}
	c := Credentials{APIKey: get("API_KEY"), APISecret: get("API_SECRET"), Passphrase: get("PASSPHRASE")}
	return c, c.APIKey != ""
}

// LoadEnv overlays environment credentials for exchanges and returns how
// many were found.
func (s *Store) LoadEnv(prefix string, exchanges []string, lookup func(string) (string, bool)) int {
	n := 0
	for _, ex := range exchanges {
		if c, ok := FromEnv(prefix, ex, lookup); ok {
			s.Put(ex, c)
			n++
		}
	}
	return n
}

// MasterFromEnv reads the master passphrase from env var name.
func MasterFromEnv(name string) ([]byte, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoMasterKey, name)
	}
	return []byte(v), nil
}
