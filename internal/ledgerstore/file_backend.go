package ledgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/skillsync/internal/progress"
)

// JSONFileBackend keeps every ledger in one JSON document. Writers hold an
// flock on a sibling .lock file so separate processes sharing the file do not
// interleave read-modify-write cycles.
type JSONFileBackend struct {
	Path string

	mu sync.Mutex
}

type ledgerFile struct {
	Ledgers map[string]*progress.Ledger `json:"ledgers"`
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(ctx context.Context, key string) (*progress.Ledger, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	ledger, ok := doc.Ledgers[key]
	if !ok || ledger == nil {
		return nil, nil
	}
	return ledger.Normalize(), nil
}

func (b *JSONFileBackend) Save(ctx context.Context, key string, ledger *progress.Ledger) error {
	if b == nil || b.Path == "" || ledger == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := b.read()
	if err != nil {
		return err
	}
	if err := checkVersion(key, doc.Ledgers[key], ledger); err != nil {
		return err
	}
	doc.Ledgers[key] = ledger.Clone()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := ValidateLedgerFile(data); err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

func (b *JSONFileBackend) read() (*ledgerFile, error) {
	doc := &ledgerFile{Ledgers: map[string]*progress.Ledger{}}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := ValidateLedgerFile(data); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Path, err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	if doc.Ledgers == nil {
		doc.Ledgers = map[string]*progress.Ledger{}
	}
	return doc, nil
}

func (b *JSONFileBackend) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", b.Path, err)
	}
	return func() {
		_ = unlockFile(f)
		_ = f.Close()
	}, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
