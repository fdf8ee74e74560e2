package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const manifestFile = "manifest.json"

// Status is the lifecycle state recorded in a manifest.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Manifest summarizes one run for listing without loading checkpoints.
type Manifest struct {
	TraceID          string    `json:"trace_id"`
	Title            string    `json:"title,omitempty"`
	Model            string    `json:"model"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	LastRound        int       `json:"last_round"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	Preview          string    `json:"preview"`
}

// Manager keeps one directory per trace id under a sessions root. Each
// directory holds manifest.json and the run's checkpoints. Manager
// implements Store, routing checkpoints by trace id.
type Manager struct {
	root   string
	logger *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used to report skipped manifests.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates root if needed.
func NewManager(root string, opts ...ManagerOption) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	m := &Manager{root: root, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the sessions root.
func (m *Manager) Dir() string { return m.root }

// SessionDir returns the directory for traceID.
func (m *Manager) SessionDir(traceID string) string {
	return filepath.Join(m.root, traceID)
}

func validTraceID(traceID string) error {
	if traceID == "" || traceID == "." || traceID == ".." || filepath.Base(traceID) != traceID {
		return fmt.Errorf("invalid trace id %q", traceID)
	}
	return nil
}

func (m *Manager) store(traceID string) (*FileStore, error) {
	if err := validTraceID(traceID); err != nil {
		return nil, err
	}
	return NewFileStore(m.SessionDir(traceID))
}

// SaveManifest writes the manifest atomically, stamping UpdatedAt.
func (m *Manager) SaveManifest(man *Manifest) error {
	if _, err := m.store(man.TraceID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if man.CreatedAt.IsZero() {
		man.CreatedAt = now
	}
	man.UpdatedAt = now
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(m.SessionDir(man.TraceID), manifestFile), data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest for traceID.
func (m *Manager) LoadManifest(traceID string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(m.SessionDir(traceID), manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("session %s: %w", traceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("parse manifest for %s: %w", traceID, err)
	}
	return &man, nil
}

// List returns every readable manifest, most recently updated first.
// Unreadable manifests are skipped and logged.
func (m *Manager) List() ([]Manifest, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		man, err := m.LoadManifest(e.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("skipping unreadable manifest", zap.String("trace_id", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, *man)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Save writes a checkpoint into its session directory.
func (m *Manager) Save(cp *Checkpoint) (string, error) {
	s, err := m.store(cp.TraceID)
	if err != nil {
		return "", err
	}
	return s.Save(cp)
}

// Load reads a checkpoint by the path Save returned.
func (m *Manager) Load(handle string) (*Checkpoint, error) {
	return (&FileStore{dir: filepath.Dir(handle)}).Load(handle)
}

// LoadLatest returns the highest-round checkpoint for traceID.
func (m *Manager) LoadLatest(traceID string) (*Checkpoint, error) {
	if _, err := os.Stat(m.SessionDir(traceID)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("session %s: %w", traceID, ErrNotFound)
	}
	s, err := m.store(traceID)
	if err != nil {
		return nil, err
	}
	return s.LoadLatest(traceID)
}

// Cleanup removes the checkpoints of traceID but keeps its manifest.
func (m *Manager) Cleanup(traceID string) (int, error) {
	if _, err := os.Stat(m.SessionDir(traceID)); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	s, err := m.store(traceID)
	if err != nil {
		return 0, err
	}
	return s.Cleanup(traceID)
}

// Delete removes the whole session directory.
func (m *Manager) Delete(traceID string) error {
	if err := validTraceID(traceID); err != nil {
		return err
	}
	return os.RemoveAll(m.SessionDir(traceID))
}

// Prune deletes sessions last updated before cutoff and returns their ids.
func (m *Manager) Prune(cutoff time.Time) ([]string, error) {
	manifests, err := m.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs error
	for _, man := range manifests {
		if !man.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.Delete(man.TraceID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", man.TraceID, err))
			continue
		}
		removed = append(removed, man.TraceID)
	}
	return removed, errs
}
