package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/logging"
)

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type credential struct {
	secret   string
	issuedAt time.Time
}

// AdminAuthority holds the single valid admin secret. Verify is lock-free;
// rotation swaps the whole credential so readers never see a torn value.
type AdminAuthority struct {
	current atomic.Pointer[credential]

	mu       sync.Mutex // serializes Rotate and file writes
	path     string
	length   int
	generate func(length int) (string, error)
	now      func() time.Time
	rotated  func()
}

// NewAdminAuthority issues the first secret and writes it to path. A write
// failure here is returned; the caller treats it as fatal.
func NewAdminAuthority(path string, length int) (*AdminAuthority, error) {
	return newAdminAuthority(path, length, generateSecret)
}

func newAdminAuthority(path string, length int, generate func(int) (string, error)) (*AdminAuthority, error) {
	a := &AdminAuthority{
		path:     path,
		length:   length,
		generate: generate,
		now:      time.Now,
	}
	if _, err := a.Rotate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Current returns the valid secret.
func (a *AdminAuthority) Current() string {
	if c := a.current.Load(); c != nil {
		return c.secret
	}
	return ""
}

// IssuedAt returns when the valid secret was generated.
func (a *AdminAuthority) IssuedAt() time.Time {
	if c := a.current.Load(); c != nil {
		return c.issuedAt
	}
	return time.Time{}
}

// Verify compares candidate against the current secret in constant time.
func (a *AdminAuthority) Verify(candidate string) bool {
	c := a.current.Load()
	if c == nil || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(c.secret)) == 1
}

// Rotate replaces the secret. The new secret is in force even when writing
// it to disk fails; the returned error then wraps ErrPersistence.
func (a *AdminAuthority) Rotate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	secret, err := a.generate(a.length)
	if err != nil {
		return "", fmt.Errorf("failed to generate admin secret: %w", err)
	}

	prev := a.current.Load()
	a.current.Store(&credential{secret: secret, issuedAt: a.now()})
	if a.rotated != nil {
		a.rotated()
	}

	if err := a.writeLocked(secret); err != nil {
		if prev == nil {
			return "", err
		}
		return secret, err
	}
	return secret, nil
}

// Persist rewrites the current secret to disk.
func (a *AdminAuthority) Persist() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeLocked(a.Current())
}

func (a *AdminAuthority) writeLocked(secret string) error {
	if err := writeFileAtomic(a.path, []byte(secret+"\n"), 0o600); err != nil {
		return fmt.Errorf("%w: admin secret to %s: %v", ErrPersistence, a.path, err)
	}
	return nil
}

// RunRotation rotates the secret every interval until ctx is done.
func (a *AdminAuthority) RunRotation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Rotate(); err != nil {
				logging.Error("Admin secret rotation failed", zap.Error(err))
				continue
			}
			logging.Info("Admin secret rotated",
				zap.String("path", a.path),
				zap.Time("issued_at", a.IssuedAt()))
		}
	}
}

func generateSecret(length int) (string, error) {
	limit := big.NewInt(int64(len(secretAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = secretAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// writeFileAtomic writes data to a temp file beside path, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
