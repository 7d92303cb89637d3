package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	must.M(os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "dataset: cats\niteration: 20\nsave_freq: 7\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dataset != "cats" || cfg.Iteration != 20 || cfg.SaveFreq != 7 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if cfg.BatchSize != 8 || cfg.ImgCh != 3 || cfg.MaxToKeep != 2 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.ModelDir() != "Network_cats" {
		t.Fatalf("unexpected model dir %s", cfg.ModelDir())
	}
	if cfg.TestImageDir() != filepath.Join("dataset", "cats", "test_img_folder") {
		t.Fatalf("unexpected test dir %s", cfg.TestImageDir())
	}
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	for _, body := range []string{"", "# only a comment\n"} {
		cfg, err := Load(writeConfig(t, body))
		if err != nil {
			t.Fatalf("Load(%q): %v", body, err)
		}
		if cfg.Dataset != "img_dataset" || cfg.Iteration != 10000 || cfg.SaveFreq != 1000 {
			t.Fatalf("Load(%q) lost defaults: %+v", body, cfg)
		}
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "datasett: cats\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown key to fail")
	}
}

func TestValidateRejectsPhase(t *testing.T) {
	cfg := Defaults()
	cfg.Phase = "eval"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "phase") {
		t.Fatalf("expected phase error, got %v", err)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Defaults()
	off := false
	cfg.ApplyOverrides(Overrides{Phase: PhaseTest, BatchSize: 4, Augment: &off, LR: 0.1})
	if cfg.Phase != PhaseTest || cfg.BatchSize != 4 || cfg.AugmentFlag || cfg.LR != 0.1 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Iteration != 10000 {
		t.Fatalf("zero override changed iteration: %d", cfg.Iteration)
	}
}

func TestPrepareCreatesNamespacedDirs(t *testing.T) {
	root := t.TempDir()
	cfg := Defaults()
	cfg.CheckpointDir = filepath.Join(root, "ckpt")
	cfg.ResultDir = filepath.Join(root, "res")
	cfg.LogDir = filepath.Join(root, "logs")
	cfg.SampleDir = filepath.Join(root, "samples")
	dirs, err := cfg.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for _, dir := range []string{dirs.Checkpoint, dirs.Result, dirs.Log, dirs.Sample} {
		if filepath.Base(dir) != "Network_img_dataset" {
			t.Fatalf("dir %s not namespaced", dir)
		}
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			t.Fatalf("dir %s missing: %v", dir, err)
		}
	}
}
