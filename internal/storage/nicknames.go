package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rewired-gh/runewatch/internal/logger"
)

// Nicknames maps free-text aliases to canonical token keys. It is persisted
// separately from the price store and may point at keys no longer tracked.
type Nicknames struct {
	mu      sync.Mutex
	path    string
	aliases map[string]string
}

// OpenNicknames loads the alias file at path, starting empty when the file
// is missing or unreadable.
func OpenNicknames(path string) (*Nicknames, error) {
	if path == "" {
		return nil, errors.New("nickname path is required")
	}
	n := &Nicknames{path: path, aliases: make(map[string]string)}

	obj, err := readObject(path)
	if err != nil {
		logger.Warn("Nickname file unreadable, starting empty: %v", err)
		quarantine(path)
		obj = nil
	}
	if obj == nil {
		if err := writeJSON(path, n.aliases); err != nil {
			return nil, fmt.Errorf("failed to create nickname file: %w", err)
		}
		return n, nil
	}
	for alias, raw := range obj {
		var key string
		if err := json.Unmarshal(raw, &key); err != nil {
			logger.Warn("Dropping malformed nickname %q", alias)
			continue
		}
		n.aliases[normalizeAlias(alias)] = key
	}
	return n, nil
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

// Set points alias at key and persists.
func (n *Nicknames) Set(alias, key string) error {
	alias = normalizeAlias(alias)
	if alias == "" {
		return errors.New("nickname must not be empty")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	n.aliases[alias] = key
	return writeJSON(n.path, n.aliases)
}

// Resolve looks up alias.
func (n *Nicknames) Resolve(alias string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key, ok := n.aliases[normalizeAlias(alias)]
	return key, ok
}

// For returns the aliases pointing at key.
func (n *Nicknames) For(key string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for alias, k := range n.aliases {
		if k == key {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}
