// Package ledgerstore persists progress ledgers. Backends are selected by DSN
// (memory://, file://, postgres://) and addressed by a ledger key; Router maps
// the local and cloud scopes onto keys.
package ledgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/skillsync/internal/progress"
)

// Backend loads and saves ledgers by key. Load returns (nil, nil) when the key
// has never been saved. Save refuses a ledger whose Version is lower than the
// stored one with progress.ErrStaleVersion.
type Backend interface {
	Load(ctx context.Context, key string) (*progress.Ledger, error)
	Save(ctx context.Context, key string, ledger *progress.Ledger) error
}

type InMemoryBackend struct {
	mu      sync.Mutex
	ledgers map[string][]byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{ledgers: map[string][]byte{}}
}

func (b *InMemoryBackend) Load(ctx context.Context, key string) (*progress.Ledger, error) {
	if b == nil {
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
	data, ok := b.ledgers[key]
	if !ok {
		return nil, nil
	}
	return decodeLedger(data)
}

func (b *InMemoryBackend) Save(ctx context.Context, key string, ledger *progress.Ledger) error {
	if b == nil || ledger == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ledger)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.ledgers[key]; ok {
		stored, err := decodeLedger(existing)
		if err != nil {
			return err
		}
		if err := checkVersion(key, stored, ledger); err != nil {
			return err
		}
	}
	b.ledgers[key] = data
	return nil
}

func decodeLedger(data []byte) (*progress.Ledger, error) {
	var ledger progress.Ledger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, err
	}
	return ledger.Normalize(), nil
}

func checkVersion(key string, stored, next *progress.Ledger) error {
	if stored != nil && next != nil && stored.Version > next.Version {
		return &progress.StaleVersionError{Key: key, Stored: stored.Version, Incoming: next.Version}
	}
	return nil
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: ledger key is required", progress.ErrInvalidInput)
	}
	return key, nil
}
