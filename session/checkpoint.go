// Package session persists run state so an interrupted run can resume.
//
// A Checkpoint is written after every round. Stores are interchangeable:
// FileStore writes one JSON file per round, SQLiteStore keeps rows in a
// single database, and Manager organizes file checkpoints into one
// directory per trace id with a manifest describing the run.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/martinemde/cinch/contextmgr"
	"github.com/martinemde/cinch/unifiedllm"
)

// ErrNotFound is returned when no checkpoint or session exists.
var ErrNotFound = errors.New("not found")

// Checkpoint is everything needed to resume a run after a round.
type Checkpoint struct {
	TraceID    string                  `json:"trace_id"`
	Round      int                     `json:"round"`
	Model      string                  `json:"model"`
	Phase      string                  `json:"phase,omitempty"`
	Context    contextmgr.State        `json:"context"`
	TextOutput []string                `json:"text_output,omitempty"`
	Cost       unifiedllm.CostSnapshot `json:"cost"`
	CreatedAt  time.Time               `json:"created_at"`
}

// Messages renders the checkpointed conversation.
func (c *Checkpoint) Messages() []unifiedllm.Message {
	return contextmgr.RestoreLayout(c.Context.Layout).Messages()
}

// Preview returns the first 200 characters of the first user message.
func (c *Checkpoint) Preview() string {
	return MessagePreview(c.Messages())
}

// MessagePreview returns the first 200 runes of the first user message.
func MessagePreview(msgs []unifiedllm.Message) string {
	for _, m := range msgs {
		if m.Role != unifiedllm.RoleUser {
			continue
		}
		r := []rune(m.TextContent())
		if len(r) > 200 {
			r = r[:200]
		}
		return string(r)
	}
	return ""
}

// Store persists checkpoints. A handle identifies one saved checkpoint.
type Store interface {
	Save(cp *Checkpoint) (string, error)
	Load(handle string) (*Checkpoint, error)
	LoadLatest(traceID string) (*Checkpoint, error)
	Cleanup(traceID string) (int, error)
}

// FileStore writes checkpoints as checkpoint-{trace}-r{round}.json files in
// one directory. The file path is the handle.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a FileStore over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string { return s.dir }

func checkpointName(traceID string, round int) string {
	return fmt.Sprintf("checkpoint-%s-r%d.json", traceID, round)
}

// Save writes cp atomically and returns its path.
func (s *FileStore) Save(cp *Checkpoint) (string, error) {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	path := filepath.Join(s.dir, checkpointName(cp.TraceID, cp.Round))
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	return path, nil
}

// Load reads the checkpoint at path.
func (s *FileStore) Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checkpoint %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// rounds lists the saved rounds for traceID, highest first.
func (s *FileStore) rounds(traceID string) (map[int]string, []int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	prefix := "checkpoint-" + traceID + "-r"
	paths := map[int]string{}
	var rounds []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		round, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		if err != nil {
			continue
		}
		paths[round] = filepath.Join(s.dir, name)
		rounds = append(rounds, round)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(rounds)))
	return paths, rounds, nil
}

// LoadLatest returns the checkpoint with the highest round for traceID.
func (s *FileStore) LoadLatest(traceID string) (*Checkpoint, error) {
	paths, rounds, err := s.rounds(traceID)
	if err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, fmt.Errorf("checkpoint for %s: %w", traceID, ErrNotFound)
	}
	return s.Load(paths[rounds[0]])
}

// Cleanup removes every checkpoint for traceID and returns how many were removed.
func (s *FileStore) Cleanup(traceID string) (int, error) {
	paths, _, err := s.rounds(traceID)
	if err != nil {
		return 0, err
	}
	var errs error
	n := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp.Name()))
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
