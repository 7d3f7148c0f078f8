package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard on stdin/stdout
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard reading answers from in
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base.
// A nil base starts from DefaultConfig.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== Ranya Memory Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	// Backend
	fmt.Fprintf(w.out, "Memory backend (sqlite/none) [%s]: ", cfg.Memory.Backend)
	backend, err := w.readLine()
	if err != nil {
		return nil, err
	}
	switch backend {
	case "":
	case "sqlite", "none":
		cfg.Memory.Backend = backend
	default:
		fmt.Fprintf(w.out, "Warning: unknown backend %q, keeping %s\n", backend, cfg.Memory.Backend)
	}

	if cfg.Memory.Backend == "sqlite" {
		if err := w.embeddingSection(cfg, validator); err != nil {
			return nil, err
		}
		if err := w.searchSection(cfg, validator); err != nil {
			return nil, err
		}
	}

	fmt.Fprintln(w.out)

	// Log Level
	fmt.Fprintln(w.out, "Logging:")
	fmt.Fprintf(w.out, "Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level)
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) embeddingSection(cfg *Config, validator *Validator) error {
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Embeddings:")
	fmt.Fprintln(w.out, "  none         - keyword search only")
	fmt.Fprintln(w.out, "  openai       - OpenAI embeddings API")
	fmt.Fprintln(w.out, "  custom:<url> - OpenAI-compatible endpoint")

	for {
		fmt.Fprintf(w.out, "Embedding provider [%s]: ", cfg.Memory.EmbeddingProvider)
		provider, err := w.readLine()
		if err != nil {
			return err
		}
		if provider == "" {
			break
		}
		if err := validator.ValidateEmbeddingProvider(provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Memory.EmbeddingProvider = provider
		break
	}

	if cfg.Memory.EmbeddingProvider == "none" || cfg.Memory.EmbeddingProvider == "" {
		return nil
	}

	fmt.Fprintf(w.out, "Embedding model [%s]: ", cfg.Memory.EmbeddingModel)
	model, err := w.readLine()
	if err != nil {
		return err
	}
	if model != "" {
		cfg.Memory.EmbeddingModel = model
	}

	dims, err := w.readInt(fmt.Sprintf("Embedding dimensions [%d]: ", cfg.Memory.EmbeddingDimensions), cfg.Memory.EmbeddingDimensions)
	if err != nil {
		return err
	}
	cfg.Memory.EmbeddingDimensions = dims

	for {
		fmt.Fprint(w.out, "API key (press Enter to use OPENAI_API_KEY): ")
		key, err := w.readLine()
		if err != nil {
			return err
		}
		if key == "" {
			break
		}
		if cfg.Memory.EmbeddingProvider == "openai" {
			if err := validator.ValidateAPIKey(key, "openai"); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
		}
		cfg.Memory.EmbeddingAPIKey = key
		break
	}

	return nil
}

func (w *Wizard) searchSection(cfg *Config, validator *Validator) error {
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Hybrid search:")

	for {
		vector, err := w.readFloat(fmt.Sprintf("Vector weight [%g]: ", cfg.Memory.VectorWeight), cfg.Memory.VectorWeight)
		if err != nil {
			return err
		}
		keyword, err := w.readFloat(fmt.Sprintf("Keyword weight [%g]: ", cfg.Memory.KeywordWeight), cfg.Memory.KeywordWeight)
		if err != nil {
			return err
		}
		if err := validator.ValidateWeights(vector, keyword); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Memory.VectorWeight = vector
		cfg.Memory.KeywordWeight = keyword
		break
	}

	for {
		fmt.Fprintf(w.out, "Reindex schedule (cron, empty keeps current) [%s]: ", cfg.Memory.ReindexSchedule)
		schedule, err := w.readLine()
		if err != nil {
			return err
		}
		if schedule == "" {
			break
		}
		if err := validator.ValidateSchedule(schedule); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Memory.ReindexSchedule = schedule
		break
	}

	return nil
}

func (w *Wizard) readInt(prompt string, current int) (int, error) {
	for {
		fmt.Fprint(w.out, prompt)
		line, err := w.readLine()
		if err != nil {
			return 0, err
		}
		if line == "" {
			return current, nil
		}
		n, err := strconv.Atoi(line)
		if err != nil || n <= 0 {
			fmt.Fprintln(w.out, "Error: enter a positive integer")
			continue
		}
		return n, nil
	}
}

func (w *Wizard) readFloat(prompt string, current float64) (float64, error) {
	for {
		fmt.Fprint(w.out, prompt)
		line, err := w.readLine()
		if err != nil {
			return 0, err
		}
		if line == "" {
			return current, nil
		}
		f, err := strconv.ParseFloat(line, 64)
		if err != nil {
			fmt.Fprintln(w.out, "Error: enter a number")
			continue
		}
		return f, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
