// Package secrets holds credentials in memory and swaps them atomically on
// reload, so a rotated key takes effect without a restart.
package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// KeyLiteLLM is the vault key of the LiteLLM proxy master key.
const KeyLiteLLM = "LITELLM_MASTER_KEY"

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Getter binds key, for collaborators that read one credential per call.
func (v *Vault) Getter(key string) func() string {
	return func() string { return v.Get(key) }
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

// Redacted returns a loggable form of the secret: its first two characters
// followed by ****. Secrets of four characters or fewer are fully masked.
func (v *Vault) Redacted(key string) string {
	s := v.Get(key)
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:2] + "****"
	}
}

// Keys returns the names of all loaded secrets.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RedactString replaces every secret value occurring in s with its redacted
// form. Secrets of four characters or fewer are left alone, they would match
// ordinary text. Longer secrets are replaced first.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	keys := make([]string, 0, len(v.values))
	for k, val := range v.values {
		if len(val) > 4 {
			keys = append(keys, k)
		}
	}
	vals := v.values
	v.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return len(vals[keys[i]]) > len(vals[keys[j]]) })
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, vals[k], vals[k][:2]+"****")
	}
	if len(pairs) == 0 {
		return s
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
