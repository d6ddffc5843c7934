package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Store.Path) == "" {
		return errors.New("store.path must be set")
	}
	if strings.TrimSpace(cfg.Store.PassphraseEnv) == "" {
		return errors.New("store.passphrase_env must be set")
	}

	if !cfg.Detect.UsePattern && !cfg.Detect.NER.Enabled {
		return errors.New("at least one detector must be enabled")
	}
	if cfg.Detect.NER.Enabled && strings.TrimSpace(cfg.Detect.NER.BundleDir) == "" {
		return errors.New("detect.ner.bundle_dir must be set when NER is enabled")
	}
	if cfg.Detect.NER.SeqLen < 16 || cfg.Detect.NER.SeqLen > 4096 {
		return fmt.Errorf("detect.ner.seq_len %d out of range [16, 4096]", cfg.Detect.NER.SeqLen)
	}

	if cfg.Batch.Workers < 0 {
		return fmt.Errorf("batch.workers must not be negative, got %d", cfg.Batch.Workers)
	}

	if cfg.Telemetry.Enabled {
		if strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
			return errors.New("telemetry.endpoint must be set when telemetry is enabled")
		}
		switch cfg.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", cfg.Telemetry.Protocol)
		}
	}

	return nil
}
