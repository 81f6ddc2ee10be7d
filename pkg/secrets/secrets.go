// Package secrets is the credential manager: it resolves named credentials
// from an encrypted secrets file or the environment and reports which
// required ones are still missing.
package secrets

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"autocoder/pkg/logx"
	"autocoder/pkg/project"
)

// AllPlugins is the Required key whose variables every project needs.
const AllPlugins = "*"

//nolint:gochecknoglobals // package logger
var logger = logx.NewLogger("secrets")

// MissingVar is one required credential that has no value.
type MissingVar struct {
	Plugin  string `json:"plugin"`
	VarName string `json:"varName"`
}

// Manager resolves credentials. Stored values take precedence over the
// environment.
type Manager struct {
	required map[string][]string
	values   map[string]string
	file     *EncryptedFile
	lookup   func(string) (string, bool)
	mu       sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithFile persists values set through the manager in f.
func WithFile(f *EncryptedFile) Option {
	return func(m *Manager) { m.file = f }
}

// WithLookup replaces os.LookupEnv, mainly for tests.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(m *Manager) { m.lookup = fn }
}

// NewManager creates a manager for the plugin → variable requirements.
// With WithFile, the existing file is decrypted up front.
func NewManager(required map[string][]string, opts ...Option) (*Manager, error) {
	m := &Manager{
		required: make(map[string][]string, len(required)),
		values:   make(map[string]string),
		lookup:   os.LookupEnv,
	}
	for plugin, names := range required {
		m.required[plugin] = append([]string(nil), names...)
	}
	for _, o := range opts {
		o(m)
	}
	if m.file != nil {
		values, err := m.file.Load()
		if err != nil {
			return nil, err
		}
		m.values = values
		logger.Debug("Loaded %d secret(s) from %s", len(values), m.file.Path())
	}
	return m, nil
}

// Get returns the value of name.
func (m *Manager) Get(name string) (string, error) {
	m.mu.RLock()
	v, ok := m.values[name]
	m.mu.RUnlock()
	if ok && v != "" {
		return v, nil
	}
	if v, ok := m.lookup(name); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", project.ErrMissingCredential, name)
}

// Has reports whether name resolves to a non-empty value.
func (m *Manager) Has(name string) bool {
	_, err := m.Get(name)
	return err == nil
}

// Set stores a value, writing the secrets file when one is configured.
func (m *Manager) Set(name, value string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("secret name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.values[name]
	m.values[name] = value
	if m.file == nil {
		return nil
	}
	if err := m.file.Save(m.values); err != nil {
		if existed {
			m.values[name] = prev
		} else {
			delete(m.values, name)
		}
		return err
	}
	return nil
}

// Reload re-reads the secrets file so values stored by another process
// become visible. Without a file it does nothing.
func (m *Manager) Reload() error {
	if m.file == nil {
		return nil
	}
	values, err := m.file.Load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values = values
	m.mu.Unlock()
	return nil
}

// Names returns the stored secret names, never their values.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.values))
	for name := range m.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MissingEnvVars lists every required variable without a value, ordered by
// plugin then name.
func (m *Manager) MissingEnvVars() []MissingVar {
	var out []MissingVar
	for plugin, names := range m.required {
		for _, name := range names {
			if !m.Has(name) {
				out = append(out, MissingVar{Plugin: plugin, VarName: name})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Plugin != out[j].Plugin {
			return out[i].Plugin < out[j].Plugin
		}
		return out[i].VarName < out[j].VarName
	})
	return out
}

// MissingFor returns the distinct variable names missing for any of plugins,
// including those every plugin requires.
func MissingFor(missing []MissingVar, plugins ...string) []string {
	want := map[string]bool{AllPlugins: true}
	for _, p := range plugins {
		want[p] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, mv := range missing {
		if !want[mv.Plugin] || seen[mv.VarName] {
			continue
		}
		seen[mv.VarName] = true
		out = append(out, mv.VarName)
	}
	sort.Strings(out)
	return out
}
