package main

import (
	"bufio"
	"context"
	"strings"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/pipeline"
	"github.com/ashureev/kozy/internal/signal"
	"github.com/spf13/cobra"
)

var showCategory bool

// chatCmd runs an interactive conversation on stdin/stdout.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with Kozy in the terminal",
	Long: `Start an interactive conversation. Each line you type is one message.

Type /quit to leave and /reset to start a fresh conversation.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&showCategory, "show-category", false, "Print the selected category and emotion after each reply")
}

func runChat(cmd *cobra.Command, _ []string) error {
	lex, err := loadLexicon()
	if err != nil {
		return err
	}
	engine := newEngine(lex)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	const convID = "local"

	var history []domain.Turn
	reply := func(message string) {
		res := engine.Respond(ctx, pipeline.Input{Message: message, ConversationID: convID, History: history})
		for _, unit := range res.Units() {
			writef(out, "kozy> %s\n", unit)
		}
		if showCategory {
			writef(out, "      [%s, %s]\n", res.Category, res.Emotion)
		}
		if message != signal.FirstMessage {
			history = append(history, domain.Turn{User: message, Bot: res.Units(), Emotion: res.Emotion})
		}
	}

	reply(signal.FirstMessage)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		writef(out, "you> ")
		if !scanner.Scan() {
			writef(out, "\n")
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := engine.End(ctx, convID); err != nil {
				return err
			}
			history = nil
			reply(signal.FirstMessage)
			continue
		}
		reply(line)
	}
}
