package config

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ModelName prefixes every run directory.
const ModelName = "Network"

const (
	PhaseTrain = "train"
	PhaseTest  = "test"
)

// TestImageFolder is the subdirectory of a dataset holding test images.
const TestImageFolder = "test_img_folder"

// Config captures the runtime knobs for a training or test run.
type Config struct {
	Phase         string  `yaml:"phase"`
	DatasetRoot   string  `yaml:"dataset_root"`
	Dataset       string  `yaml:"dataset"`
	CheckpointDir string  `yaml:"checkpoint_dir"`
	ResultDir     string  `yaml:"result_dir"`
	LogDir        string  `yaml:"log_dir"`
	SampleDir     string  `yaml:"sample_dir"`
	SaveFreq      int     `yaml:"save_freq"`
	MaxToKeep     int     `yaml:"max_to_keep"`
	AugmentFlag   bool    `yaml:"augment_flag"`
	BatchSize     int     `yaml:"batch_size"`
	Iteration     int     `yaml:"iteration"`
	ImgHeight     int     `yaml:"img_height"`
	ImgWidth      int     `yaml:"img_width"`
	ImgCh         int     `yaml:"img_ch"`
	NumClasses    int     `yaml:"num_classes"`
	LR            float64 `yaml:"lr"`
	NumWorkers    int     `yaml:"num_workers"`
	Prefetch      int     `yaml:"prefetch"`
	LogEvery      int     `yaml:"log_every"`
	Seed          int64   `yaml:"seed"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Phase         string
	DatasetRoot   string
	Dataset       string
	CheckpointDir string
	ResultDir     string
	LogDir        string
	SampleDir     string
	SaveFreq      int
	Augment       *bool
	BatchSize     int
	Iteration     int
	ImgHeight     int
	ImgWidth      int
	ImgCh         int
	LR            float64
	NumWorkers    int
	LogEvery      int
	Seed          int64
}

// Defaults returns the configuration used when no file sets a value.
func Defaults() *Config {
	return &Config{
		Phase:         PhaseTrain,
		DatasetRoot:   "dataset",
		Dataset:       "img_dataset",
		CheckpointDir: "checkpoint",
		ResultDir:     "results",
		LogDir:        "logs",
		SampleDir:     "samples",
		SaveFreq:      1000,
		MaxToKeep:     2,
		AugmentFlag:   true,
		BatchSize:     8,
		Iteration:     10000,
		ImgHeight:     64,
		ImgWidth:      64,
		ImgCh:         3,
		NumClasses:    10,
		LR:            0.0002,
		Prefetch:      2,
		LogEvery:      50,
		Seed:          42,
	}
}

// Load reads a Config from YAML on top of Defaults and validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := Defaults()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	// an empty or comment-only file sets no keys
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.Phase, o.Phase)
	setString(&c.DatasetRoot, o.DatasetRoot)
	setString(&c.Dataset, o.Dataset)
	setString(&c.CheckpointDir, o.CheckpointDir)
	setString(&c.ResultDir, o.ResultDir)
	setString(&c.LogDir, o.LogDir)
	setString(&c.SampleDir, o.SampleDir)
	setInt(&c.SaveFreq, o.SaveFreq)
	setInt(&c.BatchSize, o.BatchSize)
	setInt(&c.Iteration, o.Iteration)
	setInt(&c.ImgHeight, o.ImgHeight)
	setInt(&c.ImgWidth, o.ImgWidth)
	setInt(&c.ImgCh, o.ImgCh)
	setInt(&c.NumWorkers, o.NumWorkers)
	setInt(&c.LogEvery, o.LogEvery)
	if o.Augment != nil {
		c.AugmentFlag = *o.Augment
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Phase != PhaseTrain && c.Phase != PhaseTest {
		return errors.Errorf("phase must be %q or %q (got %q)", PhaseTrain, PhaseTest, c.Phase)
	}
	if c.Dataset == "" {
		return errors.New("dataset must be set")
	}
	if c.Iteration <= 0 {
		return errors.Errorf("iteration must be > 0 (got %d)", c.Iteration)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.SaveFreq <= 0 {
		return errors.Errorf("save_freq must be > 0 (got %d)", c.SaveFreq)
	}
	if c.ImgHeight <= 0 || c.ImgWidth <= 0 {
		return errors.Errorf("image size must be > 0 (got %dx%d)", c.ImgHeight, c.ImgWidth)
	}
	if c.ImgCh != 1 && c.ImgCh != 3 {
		return errors.Errorf("img_ch must be 1 or 3 (got %d)", c.ImgCh)
	}
	if c.LR <= 0 {
		return errors.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.NumWorkers < 0 {
		return errors.Errorf("num_workers must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.NumClasses <= 0 {
		c.NumClasses = 10
	}
	if c.MaxToKeep <= 0 {
		c.MaxToKeep = 2
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 2
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.DatasetRoot == "" {
		c.DatasetRoot = "dataset"
	}
	return nil
}

// ModelDir namespaces every output directory of a run.
func (c *Config) ModelDir() string {
	return ModelName + "_" + c.Dataset
}

// DatasetPath is the directory holding training images.
func (c *Config) DatasetPath() string {
	return filepath.Join(c.DatasetRoot, c.Dataset)
}

// TestImageDir is the directory scanned in the test phase.
func (c *Config) TestImageDir() string {
	return filepath.Join(c.DatasetPath(), TestImageFolder)
}

// InputShape is the per-sample HWC shape fed to the network.
func (c *Config) InputShape() []int {
	return []int{c.ImgHeight, c.ImgWidth, c.ImgCh}
}

// Dirs holds the namespaced output directories of a run.
type Dirs struct {
	Checkpoint string
	Result     string
	Log        string
	Sample     string
}

// Prepare creates the namespaced run directories and returns them.
func (c *Config) Prepare() (Dirs, error) {
	d := Dirs{
		Checkpoint: filepath.Join(c.CheckpointDir, c.ModelDir()),
		Result:     filepath.Join(c.ResultDir, c.ModelDir()),
		Log:        filepath.Join(c.LogDir, c.ModelDir()),
		Sample:     filepath.Join(c.SampleDir, c.ModelDir()),
	}
	for _, dir := range []string{d.Checkpoint, d.Result, d.Log, d.Sample} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Dirs{}, errors.Wrapf(err, "create %s", dir)
		}
	}
	return d, nil
}
