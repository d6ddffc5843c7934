package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds veil configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Detect    DetectConfig    `yaml:"detect"`
	Patterns  PatternsConfig  `yaml:"patterns"`
	Theme     ThemeConfig     `yaml:"theme"`
	Batch     BatchConfig     `yaml:"batch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`           // sqlite file, e.g. "veil.db"
	PassphraseEnv string `yaml:"passphrase_env"` // env var holding the passphrase
}

type DetectConfig struct {
	UsePattern bool      `yaml:"use_pattern"`
	NER        NERConfig `yaml:"ner"`
}

type NERConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BundleDir string `yaml:"bundle_dir"` // model + tokenizer assets
	SeqLen    int    `yaml:"seq_len"`
}

// PatternsConfig feeds the rule-based matcher. Lists may be inlined or
// loaded from a separate YAML file via File (file entries are appended).
type PatternsConfig struct {
	File        string   `yaml:"file"`
	Titles      []string `yaml:"titles"`
	FirstNames  []string `yaml:"first_names"`
	OrgSuffixes []string `yaml:"org_suffixes"`
}

type ThemeConfig struct {
	Name string `yaml:"name"` // theme name, e.g. "classique"
	File string `yaml:"file"` // catalogue YAML
}

type BatchConfig struct {
	Workers int `yaml:"workers"` // 0 = min(GOMAXPROCS, 4)
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:          "veil.db",
			PassphraseEnv: "VEIL_PASSPHRASE",
		},
		Detect: DetectConfig{
			UsePattern: true,
			// NER stays off until a model bundle is configured.
			NER: NERConfig{
				Enabled: false,
				SeqLen:  256,
			},
		},
		Theme: ThemeConfig{
			Name: "classique",
		},
		Telemetry: TelemetryConfig{
			Protocol: "http",
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "veil.db"
	}
	if cfg.Store.PassphraseEnv == "" {
		cfg.Store.PassphraseEnv = "VEIL_PASSPHRASE"
	}
	if cfg.Detect.NER.SeqLen <= 0 {
		cfg.Detect.NER.SeqLen = 256
	}
	if cfg.Theme.Name == "" {
		cfg.Theme.Name = "classique"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "http"
	}
}
