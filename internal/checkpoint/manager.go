// Package checkpoint persists training snapshots and keeps a bounded history
// of the most recent ones.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// ErrNotFound means the directory holds no checkpoint yet.
var ErrNotFound = errors.New("checkpoint: none found")

const (
	// StateFile indexes the retained checkpoints, newest last.
	StateFile = "checkpoint"
	prefix    = "ckpt-"
)

type state struct {
	Latest string   `yaml:"latest"`
	All    []string `yaml:"all"`
}

// Manager saves numbered snapshots under Dir and deletes all but the
// MaxToKeep most recently saved.
type Manager struct {
	dir       string
	maxToKeep int
	kept      []string
}

// NewManager opens dir, picking up the index left by a previous run.
func NewManager(dir string, maxToKeep int) (*Manager, error) {
	if maxToKeep <= 0 {
		return nil, errors.Errorf("checkpoint: max_to_keep must be > 0 (got %d)", maxToKeep)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "checkpoint: create dir")
	}
	m := &Manager{dir: dir, maxToKeep: maxToKeep}
	st, err := m.readState()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	m.kept = st.All
	return m, nil
}

// Checkpoints lists the retained snapshot paths, oldest first.
func (m *Manager) Checkpoints() []string {
	out := make([]string, len(m.kept))
	for i, name := range m.kept {
		out[i] = filepath.Join(m.dir, name)
	}
	return out
}

// Save writes rec as ckpt-<rec.Step>, records it as the latest and evicts
// the oldest snapshots beyond MaxToKeep. Saving an existing step
// overwrites it and makes it the latest.
func (m *Manager) Save(rec *Record) (string, error) {
	name := fmt.Sprintf("%s%d", prefix, rec.Step)
	path := filepath.Join(m.dir, name)
	if err := writeAtomic(path, rec.Marshal()); err != nil {
		return "", errors.Wrapf(err, "checkpoint: write %s", name)
	}

	kept := slices.DeleteFunc(slices.Clone(m.kept), func(s string) bool { return s == name })
	kept = append(kept, name)
	for len(kept) > m.maxToKeep {
		if err := os.Remove(filepath.Join(m.dir, kept[0])); err != nil && !os.IsNotExist(err) {
			return "", errors.Wrapf(err, "checkpoint: evict %s", kept[0])
		}
		kept = kept[1:]
	}
	m.kept = kept

	st := state{Latest: name, All: kept}
	raw, err := yaml.Marshal(&st)
	if err != nil {
		return "", errors.Wrap(err, "checkpoint: encode index")
	}
	if err := writeAtomic(filepath.Join(m.dir, StateFile), raw); err != nil {
		return "", errors.Wrap(err, "checkpoint: write index")
	}
	return path, nil
}

func (m *Manager) readState() (state, error) {
	var st state
	raw, err := os.ReadFile(filepath.Join(m.dir, StateFile))
	if os.IsNotExist(err) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, errors.Wrap(err, "checkpoint: read index")
	}
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return st, errors.Wrap(err, "checkpoint: parse index")
	}
	if st.Latest == "" {
		return st, ErrNotFound
	}
	return st, nil
}

// Latest returns the path of the most recent snapshot or ErrNotFound.
func (m *Manager) Latest() (string, error) {
	st, err := m.readState()
	if err != nil {
		return "", err
	}
	return filepath.Join(m.dir, st.Latest), nil
}

// RestoreLatest decodes the most recent snapshot. It returns ErrNotFound
// when nothing has been saved.
func (m *Manager) RestoreLatest() (*Record, string, error) {
	path, err := m.Latest()
	if err != nil {
		return nil, "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "checkpoint: read %s", path)
	}
	rec, err := Unmarshal(raw)
	if err != nil {
		return nil, "", errors.Wrapf(err, "checkpoint: decode %s", path)
	}
	return rec, path, nil
}

// StepFromPath parses the step number after the last '-' of a snapshot
// path.
func StepFromPath(path string) (int64, error) {
	base := filepath.Base(path)
	i := strings.LastIndex(base, "-")
	if i < 0 {
		return 0, errors.Errorf("checkpoint: no step in %q", base)
	}
	step, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "checkpoint: step in %q", base)
	}
	return step, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
