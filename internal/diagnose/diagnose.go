// Package diagnose turns a failed run into a short human-readable
// explanation. A Genkit-backed diagnoser runs when a model is configured;
// otherwise the nop implementation keeps call sites unconditional.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/safety"
)

// Failure is the context handed to a diagnoser when a run ends in Failed.
type Failure struct {
	Account string
	Backend string
	Actions int
	Err     string
	Recent  []journal.Run
}

// Diagnoser explains a failure in one short paragraph. An empty diagnosis
// means nothing useful to add.
type Diagnoser interface {
	Diagnose(ctx context.Context, f Failure) (string, error)
}

// New picks the diagnoser for the config: Genkit when enabled and an API key
// is present, Nop otherwise.
func New(ctx context.Context, cfg config.DiagnoseConfig, logger *slog.Logger) Diagnoser {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return Nop{}
	}
	d, err := NewGenkit(ctx, cfg.Model, logger)
	if err != nil {
		logger.Warn("failure diagnoser disabled", "error", err)
		return Nop{}
	}
	logger.Info("failure diagnoser enabled", "model", d.model)
	return d
}

// Nop is the diagnoser used when no model is configured.
type Nop struct{}

func (Nop) Diagnose(context.Context, Failure) (string, error) { return "", nil }

const systemPrompt = "You review failure reports from a long-running account worker daemon. " +
	"Reply with one short paragraph: the most likely cause and the single next step the operator should take. " +
	"No markdown, no lists, no preamble."

// Genkit asks a Gemini model to read the failure and the account's recent
// run history.
type Genkit struct {
	g      *genkit.Genkit
	model  string
	logger *slog.Logger
}

// NewGenkit initializes the Genkit diagnoser. GEMINI_API_KEY must be set.
func NewGenkit(ctx context.Context, model string, logger *slog.Logger) (*Genkit, error) {
	if os.Getenv("GEMINI_API_KEY") == "" {
		return nil, errors.New("GEMINI_API_KEY not set")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel("googleai/"+model),
	)
	return &Genkit{g: g, model: model, logger: logger.With("component", "diagnose")}, nil
}

func (d *Genkit) Diagnose(ctx context.Context, f Failure) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	prompt, found := buildPrompt(f)
	for _, fi := range found {
		d.logger.Warn("secret scrubbed from diagnosis context", "kind", fi.Kind, "sample", fi.Sample)
	}
	resp, err := genkit.Generate(ctx, d.g,
		ai.WithSystem(systemPrompt),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("diagnose generate: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// buildPrompt renders the failure and recent history as plain lines, then
// scrubs them. Error strings can echo whatever the remote API returned, so
// the text is not trusted to be free of credentials.
func buildPrompt(f Failure) (string, []safety.Finding) {
	var b strings.Builder
	fmt.Fprintf(&b, "Account %q (backend %s) failed after %d successful actions.\n", f.Account, f.Backend, f.Actions)
	fmt.Fprintf(&b, "Error: %s\n", f.Err)
	if len(f.Recent) > 0 {
		b.WriteString("Recent runs, newest first:\n")
		for _, r := range f.Recent {
			line := fmt.Sprintf("- %s: %s, %d actions", r.StartedAt.Format(time.RFC3339), r.State, r.Actions)
			if r.Error != "" {
				line += ", error: " + r.Error
			}
			b.WriteString(line + "\n")
		}
	}
	return safety.Scrub(b.String())
}
