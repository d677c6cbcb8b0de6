package main

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/signal"
	"github.com/spf13/cobra"
)

var historyLines []string

// classifyCmd prints the Signal extracted from one message.
var classifyCmd = &cobra.Command{
	Use:   "classify <message>",
	Short: "Print the signal extracted from a message as JSON",
	Example: `  kozyctl classify "I have a TCS interview and my final exam the same week"
  kozyctl classify --history "exams are killing me" "help me please"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().StringArrayVar(&historyLines, "history", nil, "Earlier user message, oldest first (repeatable)")
}

type classification struct {
	Signal signal.Signal  `json:"signal"`
	Scores []signal.Score `json:"emotion_scores"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	lex, err := loadLexicon()
	if err != nil {
		return err
	}
	ex := signal.NewExtractor(lex, nil)
	message := strings.Join(args, " ")

	history := make([]domain.Turn, 0, len(historyLines))
	for _, h := range historyLines {
		history = append(history, domain.Turn{User: h})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(classification{
		Signal: ex.Extract(message, history),
		Scores: ex.EmotionScores(message),
	})
}
