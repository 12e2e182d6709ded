package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager manages the registration and lifecycle (loading, shutdown) of extensions.
type Manager struct {
	mu         sync.RWMutex
	extensions map[string]Extension
	loadOrder  []string // shutdown runs in reverse
	loaded     []string // successfully loaded, in load order
}

// New creates and initializes a new Manager.
func New() *Manager {
	return &Manager{
		extensions: make(map[string]Extension),
	}
}

// Register appends ext to the load order.
func (m *Manager) Register(ext Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ext.Name()
	if _, exists := m.extensions[name]; exists {
		log.Error().Str("extension", name).Msg("attempted to register duplicate extension")
		return fmt.Errorf("%w: %s", ErrExtensionAlreadyRegistered, name)
	}

	m.extensions[name] = ext
	m.loadOrder = append(m.loadOrder, name)
	log.Debug().Str("extension", name).Msg("extension registered")
	return nil
}

// SetLoadOrder replaces the load order. names must list every registered
// extension exactly once.
func (m *Manager) SetLoadOrder(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(names) != len(m.extensions) {
		return fmt.Errorf("%w (provided: %d, registered: %d)", ErrLoadOrderMismatch, len(names), len(m.extensions))
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, exists := m.extensions[name]; !exists {
			return fmt.Errorf("%w: %s", ErrLoadOrderMissing, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrLoadOrderDuplicate, name)
		}
		seen[name] = struct{}{}
	}

	m.loadOrder = append([]string(nil), names...)
	log.Info().Strs("load_order", m.loadOrder).Msg("extension load order set")
	return nil
}

// LoadAll loads every extension in order. On the first failure the extensions
// already loaded are shut down in reverse order and the load error is returned.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	if len(m.loaded) > 0 {
		m.mu.Unlock()
		return ErrAlreadyLoaded
	}
	order := append([]string(nil), m.loadOrder...)
	m.mu.Unlock()

	for _, name := range order {
		m.mu.RLock()
		ext := m.extensions[name]
		m.mu.RUnlock()

		start := time.Now()
		if err := ext.Load(ctx); err != nil {
			log.Error().Err(err).Str("extension", name).Dur("duration", time.Since(start)).Msg("failed to load extension")
			if rbErr := m.ShutdownAll(context.WithoutCancel(ctx)); rbErr != nil {
				log.Error().Err(rbErr).Msg("errors occurred during load failure rollback")
			}
			return fmt.Errorf("failed to load extension %s: %w", name, err)
		}

		m.mu.Lock()
		m.loaded = append(m.loaded, name)
		m.mu.Unlock()
		log.Info().Str("extension", name).Dur("duration", time.Since(start)).Msg("extension loaded")
	}
	return nil
}

// ShutdownAll shuts down loaded extensions in reverse load order. It keeps
// going after failures and returns them joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = nil
	m.mu.Unlock()

	var allErrors []error
	for i := len(loaded) - 1; i >= 0; i-- {
		name := loaded[i]
		m.mu.RLock()
		ext := m.extensions[name]
		m.mu.RUnlock()

		start := time.Now()
		if err := ext.Shutdown(ctx); err != nil {
			log.Error().Err(err).Str("extension", name).Dur("duration", time.Since(start)).Msg("failed to shut down extension")
			allErrors = append(allErrors, fmt.Errorf("failed to shutdown extension %s: %w", name, err))
			continue
		}
		log.Info().Str("extension", name).Dur("duration", time.Since(start)).Msg("extension shut down")
	}

	if len(allErrors) > 0 {
		log.Warn().Int("error_count", len(allErrors)).Msg("shutdown completed with errors")
		return errors.Join(allErrors...)
	}
	return nil
}

// Loaded returns the names of the loaded extensions in load order.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loaded...)
}

// Get retrieves a registered extension by name.
func (m *Manager) Get(name string) (Extension, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ext, ok := m.extensions[name]
	return ext, ok
}
