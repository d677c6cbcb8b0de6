// Command kozyctl runs the Kozy pipeline locally: an interactive chat, signal
// inspection for a single message and a dump of the loaded lexicon.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/kozy/internal/formatter"
	"github.com/ashureev/kozy/internal/lexicon"
	"github.com/ashureev/kozy/internal/pipeline"
	"github.com/ashureev/kozy/internal/selector"
	"github.com/ashureev/kozy/internal/shared"
	"github.com/ashureev/kozy/internal/signal"
	"github.com/ashureev/kozy/internal/state"
	"github.com/ashureev/kozy/internal/templates"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	lexiconPath string
	seed        uint64
	verbose     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "kozyctl",
	Short:         "Talk to and inspect the Kozy response pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&lexiconPath, "lexicon", os.Getenv("LEXICON_PATH"), "Lexicon YAML file (default: embedded)")
	rootCmd.PersistentFlags().Uint64Var(&seed, "seed", 0, "Random seed for template choice (0 = time-based)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(lexiconCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadLexicon() (*lexicon.TriggerSet, error) {
	if lexiconPath == "" {
		return lexicon.Embedded(), nil
	}
	lex, err := lexicon.LoadFile(lexiconPath)
	if err != nil {
		return nil, fmt.Errorf("load lexicon: %w", err)
	}
	return lex, nil
}

// newEngine builds a rule-only engine with in-process state and no
// transcript persistence.
func newEngine(lex *lexicon.TriggerSet) *pipeline.Engine {
	lib := templates.Embedded()
	rng := shared.NewRand(seed)
	return pipeline.New(pipeline.Deps{
		Extractor: signal.NewExtractor(lex, nil),
		Tracker:   state.NewTracker(state.NewMemoryStore(), 2),
		Selector:  selector.New(lib, rng, selector.DefaultOptions()),
		Formatter: formatter.New(lib, rng, formatter.DefaultOptions()),
	}, pipeline.Config{})
}

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
