// Package config loads visiontrainer settings from .env, a YAML file and the environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed coco.yaml
var cocoYAML []byte

// DefaultThreshold is the similarity above which a detection is Known.
const DefaultThreshold = 0.8

type Config struct {
	// Backend is "python" (model worker subprocess) or "opencv" (gocv DNN).
	Backend   string  `yaml:"backend"`
	Threshold float64 `yaml:"threshold"`
	// Selection picks the detection used per image: "first" or "best".
	Selection string         `yaml:"selection"`
	Input     InputConfig    `yaml:"input"`
	Worker    WorkerConfig   `yaml:"worker"`
	OpenCV    OpenCVConfig   `yaml:"opencv"`
	Database  DatabaseConfig `yaml:"database"`
	Classes   []string       `yaml:"classes"`
}

// InputConfig is the embedding model's input geometry and normalisation.
type InputConfig struct {
	Width        int        `yaml:"width"`
	Height       int        `yaml:"height"`
	ChannelOrder string     `yaml:"channel_order"`
	Mean         [3]float64 `yaml:"mean"`
	Std          [3]float64 `yaml:"std"`
}

type WorkerConfig struct {
	Python  string        `yaml:"python"`
	Script  string        `yaml:"script"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

type OpenCVConfig struct {
	DetectorModel  string  `yaml:"detector_model"`
	DetectorConfig string  `yaml:"detector_config"`
	EmbedderModel  string  `yaml:"embedder_model"`
	EmbedderConfig string  `yaml:"embedder_config"`
	Confidence     float64 `yaml:"confidence"`
	ClassOffset    int     `yaml:"class_offset"`
	InputSize      int     `yaml:"input_size"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// Default returns the built-in settings with the embedded COCO class table.
func Default() *Config {
	var table struct {
		Classes []string `yaml:"classes"`
	}
	if err := yaml.Unmarshal(cocoYAML, &table); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded coco.yaml: " + err.Error())
	}

	return &Config{
		Backend:   "python",
		Threshold: DefaultThreshold,
		Selection: "first",
		Input: InputConfig{
			Width:        224,
			Height:       224,
			ChannelOrder: "RGB",
			Mean:         [3]float64{0.485, 0.456, 0.406},
			Std:          [3]float64{0.229, 0.224, 0.225},
		},
		Worker: WorkerConfig{
			Python:  "python3",
			Script:  "python/model_worker.py",
			Timeout: 30 * time.Second,
		},
		OpenCV: OpenCVConfig{
			Confidence:  0.5,
			ClassOffset: 1,
			InputSize:   300,
		},
		Classes: table.Classes,
	}
}

// Load builds the configuration: .env (if present), defaults, the YAML file at
// path (if not empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("VT_BACKEND", &c.Backend)
	envString("VT_SELECTION", &c.Selection)
	envString("VT_PYTHON", &c.Worker.Python)
	envString("VT_WORKER_SCRIPT", &c.Worker.Script)
	envString("VT_DETECTOR_MODEL", &c.OpenCV.DetectorModel)
	envString("VT_DETECTOR_CONFIG", &c.OpenCV.DetectorConfig)
	envString("VT_EMBEDDER_MODEL", &c.OpenCV.EmbedderModel)
	envString("VT_EMBEDDER_CONFIG", &c.OpenCV.EmbedderConfig)
	envString("VT_DATABASE_URL", &c.Database.URL)

	if s := os.Getenv("VT_THRESHOLD"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("VT_THRESHOLD: %w", err)
		}
		c.Threshold = v
	}
	if s := os.Getenv("VT_WORKER_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("VT_WORKER_TIMEOUT: %w", err)
		}
		c.Worker.Timeout = d
	}

	if c.Database.URL == "" {
		c.Database.URL = postgresURLFromEnv()
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// postgresURLFromEnv builds a connection string from POSTGRES_* variables, or
// returns "" when POSTGRES_HOST is not set.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold must be between 0.0 and 1.0, got %v", c.Threshold))
	}
	switch c.Backend {
	case "python", "opencv":
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want python or opencv)", c.Backend))
	}
	switch c.Selection {
	case "first", "best":
	default:
		errs = append(errs, fmt.Errorf("unknown selection %q (want first or best)", c.Selection))
	}
	switch strings.ToUpper(c.Input.ChannelOrder) {
	case "RGB", "BGR":
	default:
		errs = append(errs, fmt.Errorf("unknown channel order %q (want RGB or BGR)", c.Input.ChannelOrder))
	}
	if c.Input.Width <= 0 || c.Input.Height <= 0 {
		errs = append(errs, fmt.Errorf("input size must be positive, got %dx%d", c.Input.Width, c.Input.Height))
	}
	for i, s := range c.Input.Std {
		if s <= 0 {
			errs = append(errs, fmt.Errorf("input std[%d] must be positive, got %v", i, s))
		}
	}
	if len(c.Classes) == 0 {
		errs = append(errs, errors.New("class table is empty"))
	}
	return errors.Join(errs...)
}

// LookupClass resolves a class name to its id, ignoring case and surrounding space.
func (c *Config) LookupClass(name string) (int, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for id, n := range c.Classes {
		if strings.ToLower(n) == want {
			return id, nil
		}
	}
	return -1, fmt.Errorf("class %q not found in the class table", name)
}

// ClassName returns the name for id, or "class <id>" when it is out of range.
func (c *Config) ClassName(id int) string {
	if id >= 0 && id < len(c.Classes) {
		return c.Classes[id]
	}
	return fmt.Sprintf("class %d", id)
}
