package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/veil-ai/veil/internal/batch"
	"github.com/veil-ai/veil/internal/config"
	"github.com/veil-ai/veil/internal/detect"
	"github.com/veil-ai/veil/internal/entity"
	"github.com/veil-ai/veil/internal/pipeline"
	"github.com/veil-ai/veil/internal/pseudonym"
	"github.com/veil-ai/veil/internal/store"
	"github.com/veil-ai/veil/internal/telemetry"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "veil",
		Usage:   "consistent, reversible text pseudonymization",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "veil.yaml",
				Usage:   "path to the config file",
			},
		},
		Commands: []*cli.Command{
			initCommand(),
			processCommand(),
			batchCommand(),
			listCommand(),
			eraseCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "veil: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	passphrase := os.Getenv(cfg.Store.PassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase env %s is not set", cfg.Store.PassphraseEnv)
	}
	s, err := store.Open(ctx, cfg.Store.Path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	return s, nil
}

// newDetector assembles the composite from the configured detectors. A
// NER model that fails to load degrades the composite instead of
// aborting the run.
func newDetector(cfg *config.Config) (detect.Detector, error) {
	var live []detect.Detector
	var degraded []string

	if cfg.Detect.UsePattern {
		pm, err := detect.NewPatternMatcher(cfg.Patterns)
		if err != nil {
			return nil, fmt.Errorf("pattern matcher: %w", err)
		}
		live = append(live, pm)
	}
	if cfg.Detect.NER.Enabled {
		ner, err := detect.LoadNER(cfg.Detect.NER)
		switch {
		case errors.Is(err, detect.ErrDetectorUnavailable):
			degraded = append(degraded, detect.SourceNER)
		case err != nil:
			return nil, fmt.Errorf("ner detector: %w", err)
		default:
			live = append(live, ner)
		}
	}
	return detect.NewComposite(live, degraded)
}

func newTheme(cfg *config.Config) (*pseudonym.Theme, error) {
	theme, err := pseudonym.LoadTheme(cfg.Theme.File)
	if err != nil {
		return nil, fmt.Errorf("load theme: %w", err)
	}
	return theme, nil
}

func newMetrics(ctx context.Context, cfg *config.Config) (*telemetry.Provider, error) {
	return telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  "veil",
		Version:  version,
	})
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "create the encrypted mapping store",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.LogOperation(c.Context, store.OperationEntry{
				Kind:    store.OpInit,
				Success: true,
				Detail:  "store initialized",
			}); err != nil {
				return err
			}
			fmt.Printf("store ready at %s\n", cfg.Store.Path)
			return nil
		},
	}
}

func processCommand() *cli.Command {
	return &cli.Command{
		Name:      "process",
		Usage:     "pseudonymize one document",
		ArgsUsage: "FILE ('-' for stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "write the result here instead of stdout",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one input file")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			text, err := readInput(c.Args().First())
			if err != nil {
				return err
			}

			s, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			det, err := newDetector(cfg)
			if err != nil {
				return err
			}
			theme, err := newTheme(cfg)
			if err != nil {
				return err
			}
			metrics, err := newMetrics(c.Context, cfg)
			if err != nil {
				return err
			}
			defer metrics.Shutdown(c.Context)

			p := pipeline.New(det, s, theme, pipeline.WithMetrics(metrics))
			res, err := p.Process(c.Context, text)
			if err != nil && !errors.Is(err, pipeline.ErrNoEntities) {
				return err
			}

			if err := writeOutput(c.String("output"), res.Output); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%d entities (%d new, %d reused)\n",
				len(res.Proposals), res.New, res.Reused)
			return nil
		},
	}
}

func batchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "pseudonymize a set of documents",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out-dir",
				Value: "out",
				Usage: "directory for pseudonymized documents",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("expected at least one input file")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			docs := make([]batch.Document, 0, c.NArg())
			for _, path := range c.Args().Slice() {
				text, err := readInput(path)
				if err != nil {
					return err
				}
				docs = append(docs, batch.Document{ID: path, Text: text})
			}

			s, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			theme, err := newTheme(cfg)
			if err != nil {
				return err
			}
			metrics, err := newMetrics(c.Context, cfg)
			if err != nil {
				return err
			}
			defer metrics.Shutdown(c.Context)

			coord := batch.NewCoordinator(s, theme,
				func() (detect.Detector, error) { return newDetector(cfg) },
				batch.WithWorkers(cfg.Batch.Workers),
				batch.WithMetrics(metrics))

			summary, runErr := coord.Run(c.Context, docs)

			outDir := c.String("out-dir")
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			for _, r := range summary.Results {
				if r.State != batch.StateWritten {
					fmt.Fprintf(os.Stderr, "%s: %s", r.ID, r.State)
					if r.Err != nil {
						fmt.Fprintf(os.Stderr, " (%v)", r.Err)
					}
					fmt.Fprintln(os.Stderr)
					continue
				}
				dst := filepath.Join(outDir, filepath.Base(r.ID))
				if err := os.WriteFile(dst, []byte(r.Output), 0o644); err != nil {
					return err
				}
			}
			fmt.Fprintf(os.Stderr, "%d written, %d failed, %d abandoned\n",
				summary.Written, summary.Failed, summary.Abandoned)
			return runErr
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list stored mappings",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "category",
				Usage: "filter by category (PERSON, LOCATION, ORGANIZATION)",
			},
			&cli.BoolFlag{
				Name:  "ambiguous",
				Usage: "only mappings flagged for review",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			f := store.Filter{Category: entity.Category(c.String("category"))}
			if c.Bool("ambiguous") {
				ambiguous := true
				f.Ambiguous = &ambiguous
			}
			recs, err := s.FindAll(c.Context, f)
			if err != nil {
				return err
			}
			for _, r := range recs {
				line := fmt.Sprintf("%s\t%s\t%s\t%s", r.ID, r.Category, r.Literal, r.Pseudonym)
				if r.Ambiguous {
					line += fmt.Sprintf("\t[ambiguous: %s]", r.AmbiguityReason)
				}
				fmt.Println(line)
			}
			fmt.Fprintf(os.Stderr, "%d mappings at %s\n", len(recs), time.Now().Format(time.RFC3339))
			return nil
		},
	}
}

func eraseCommand() *cli.Command {
	return &cli.Command{
		Name:      "erase",
		Usage:     "permanently delete one mapping",
		ArgsUsage: "ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one record id")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			id := c.Args().First()
			if err := s.Erase(c.Context, id); err != nil {
				return err
			}
			fmt.Printf("erased %s\n", id)
			return nil
		},
	}
}

func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeOutput(path, text string) error {
	if path == "" {
		_, err := fmt.Print(text)
		return err
	}
	return os.WriteFile(path, []byte(text), 0o644)
}
