// Package generate provides the optional generative fallback used when the
// rule table has nothing specific to say.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const instructions = `You are Kozy, a warm emotional-support companion in a chat app.
Reply in at most three short sentences. Validate the user's feelings, stay
curious about their situation and end with one gentle open question.
Never give medical, legal or financial advice. If the user mentions self-harm,
encourage them to contact the 988 Suicide & Crisis Lifeline.`

const defaultMaxOutputTokens = 200

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("generator returned an empty reply")

// Request is the context handed to a generator.
type Request struct {
	Message string
	Emotion domain.Emotion
	History []domain.Turn
}

// OpenAI generates replies with the OpenAI Responses API.
type OpenAI struct {
	client    openai.Client
	model     string
	maxOutput int64
}

// NewOpenAI returns a generator for model. Extra options are passed to the
// client (base URL, retries) after the API key.
func NewOpenAI(apiKey, model string, opts ...option.RequestOption) *OpenAI {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		maxOutput: defaultMaxOutputTokens,
	}
}

// Generate asks the model for one reply. The caller owns the timeout.
func (g *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	items := make([]responses.ResponseInputItemUnionParam, 0, 2*len(req.History)+1)
	for _, t := range req.History {
		if t.User != "" {
			items = append(items, responses.ResponseInputItemParamOfMessage(t.User, responses.EasyInputMessageRoleUser))
		}
		if bot := t.BotText(); bot != "" {
			items = append(items, responses.ResponseInputItemParamOfMessage(bot, responses.EasyInputMessageRoleAssistant))
		}
	}
	items = append(items, responses.ResponseInputItemParamOfMessage(req.Message, responses.EasyInputMessageRoleUser))

	prompt := instructions
	if !req.Emotion.IsNeutral() {
		prompt += "\nThe user currently seems to be feeling " + req.Emotion.String() + "."
	}

	resp, err := g.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           g.model,
		MaxOutputTokens: openai.Int(g.maxOutput),
		Instructions:    openai.String(prompt),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: items,
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai responses: %w", err)
	}
	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
