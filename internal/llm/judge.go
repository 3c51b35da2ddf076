package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

// judgeSystemPrompt instructs the model to emit exactly the line-oriented
// format parseScorecard expects: three boolean lines, then a hint line.
const judgeSystemPrompt = `You are the judge of a detective game. You are given the scenario shown to the player, the player's final verdict, and the author's ground-truth solution. Decide three independent questions:
1. Did the player correctly identify the culprit?
2. Did the player correctly identify the motive?
3. Did the player correctly identify the method?
Your output is processed automatically. Respond with exactly four lines:
line 1: true or false (culprit identified)
line 2: true or false (motive identified)
line 3: true or false (method identified)
line 4: a short hint that directs the player without revealing the answer, or an empty line if all three are true.`

// GeminiJudge scores verdicts with a single non-streaming Gemini call.
type GeminiJudge struct {
	gemini *Gemini
}

// NewGeminiJudge wraps a Gemini client as a Judge.
func NewGeminiJudge(g *Gemini) *GeminiJudge {
	return &GeminiJudge{gemini: g}
}

// Score invokes the judge once. A transport or API failure surfaces as
// ErrJudgeUnavailable; a response that violates the line schema surfaces as
// ErrJudgeFormat. Neither is ever coerced into a game outcome.
func (j *GeminiJudge) Score(ctx context.Context, verdict, solution, prelude string) (Scorecard, error) {
	model := j.gemini.client.GenerativeModel(j.gemini.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(judgeSystemPrompt)},
	}

	input := fmt.Sprintf("SCENARIO:\n%s\n\nPLAYER VERDICT:\n%s\n\nAUTHOR SOLUTION:\n%s", prelude, verdict, solution)

	resp, err := model.GenerateContent(ctx, genai.Text(input))
	if err != nil {
		return Scorecard{}, fmt.Errorf("%w: %v", ErrJudgeUnavailable, err)
	}

	return parseScorecard(responseText(resp))
}

// parseScorecard parses the strict judge schema: three boolean lines and an
// optional hint line. Any deviation is ErrJudgeFormat, never a best-effort
// guess.
func parseScorecard(raw string) (Scorecard, error) {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) < 3 || len(lines) > 4 {
		return Scorecard{}, fmt.Errorf("%w: got %d lines, want 3 or 4", ErrJudgeFormat, len(lines))
	}

	bools := make([]bool, 3)
	for i := 0; i < 3; i++ {
		switch strings.ToLower(strings.TrimSpace(lines[i])) {
		case "true":
			bools[i] = true
		case "false":
			bools[i] = false
		default:
			return Scorecard{}, fmt.Errorf("%w: line %d is %q, want true or false", ErrJudgeFormat, i+1, lines[i])
		}
	}

	card := Scorecard{Culprit: bools[0], Motive: bools[1], Method: bools[2]}
	if len(lines) == 4 {
		card.Hint = strings.TrimSpace(lines[3])
	}
	return card, nil
}
