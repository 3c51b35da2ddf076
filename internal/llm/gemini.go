package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/sleuthworks/sleuth/internal/domain"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Gemini talks to the Gemini API as both streamer and judge backend.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGemini creates a Gemini client for the given model name.
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create generative client: %w", err)
	}
	logger.Info("Connected to Gemini", "model", model)
	return &Gemini{client: client, model: model, logger: logger}, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() {
	if g.client != nil {
		if err := g.client.Close(); err != nil {
			g.logger.Warn("failed to close Gemini client", "error", err)
		}
	}
}

// Stream opens a streaming completion seeded with the transcript. The
// transcript's leading system message becomes the system instruction; the
// trailing user message is sent as the prompt; everything between becomes
// chat history.
func (g *Gemini) Stream(ctx context.Context, history []domain.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if len(history) == 0 {
			yield("", errors.New("llm: empty transcript"))
			return
		}

		model := g.client.GenerativeModel(g.model)

		msgs := history
		if msgs[0].Role == domain.RoleSystem {
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(msgs[0].Content)},
			}
			msgs = msgs[1:]
		}

		if len(msgs) == 0 || msgs[len(msgs)-1].Role != domain.RoleUser {
			yield("", errors.New("llm: transcript must end with a user message"))
			return
		}
		prompt := msgs[len(msgs)-1].Content
		msgs = msgs[:len(msgs)-1]

		cs := model.StartChat()
		for _, m := range msgs {
			role := "user"
			if m.Role == domain.RoleAssistant {
				role = "model"
			}
			cs.History = append(cs.History, &genai.Content{
				Role:  role,
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}

		it := cs.SendMessageStream(ctx, genai.Text(prompt))
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			if !yield(responseText(resp), nil) {
				return
			}
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}
