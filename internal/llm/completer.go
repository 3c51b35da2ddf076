package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sleuthworks/sleuth/internal/domain"
	"github.com/sleuthworks/sleuth/internal/throttle"
)

// DefaultCompleteTimeout bounds one full character-answer generation.
const DefaultCompleteTimeout = 60 * time.Second

// Completer aggregates a delta stream into a character answer. The first
// line of the generated text is a disposable preamble (models tend to
// restate the character header) and is stripped once, at the first newline.
// Partial text is forwarded through onPartial at a rate bounded by a tiered
// throttle scoped to the call; suppressed partials are dropped, never
// queued. The final full text is always returned regardless of throttling.
type Completer struct {
	streamer Streamer
	timeout  time.Duration

	// throttle parameters, one fresh Throttle per Complete call
	window time.Duration
	tiers  []throttle.Tier
}

// NewCompleter creates a completer over the given streamer. A zero timeout
// selects DefaultCompleteTimeout.
func NewCompleter(streamer Streamer, timeout time.Duration) *Completer {
	if timeout <= 0 {
		timeout = DefaultCompleteTimeout
	}
	return &Completer{
		streamer: streamer,
		timeout:  timeout,
		window:   throttle.DefaultWindow,
		tiers:    throttle.DefaultTiers(),
	}
}

// Complete runs the stream to completion and returns the aggregated answer
// with the leading preamble removed. onPartial may be nil. Exceeding the
// timeout fails the whole call with ErrTimeout.
func (c *Completer) Complete(ctx context.Context, history []domain.Message, onPartial func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	th := throttle.New(c.window, c.tiers)

	var acc strings.Builder
	text := ""
	stripped := false
	partials := 0

	for delta, err := range c.streamer.Stream(ctx, history) {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return "", ErrTimeout
			}
			return "", err
		}

		acc.WriteString(delta)
		text = acc.String()

		if !stripped {
			if i := strings.IndexByte(text, '\n'); i >= 0 {
				text = text[i+1:]
				acc.Reset()
				acc.WriteString(text)
				stripped = true
			}
			// Until the preamble line terminates, nothing is worth showing.
			continue
		}

		if onPartial != nil && th.Step() {
			partials++
			onPartial(text)
		}
	}

	if ctx.Err() != nil {
		return "", ErrTimeout
	}

	slog.Debug("completion finished", "chars", len(text), "partials", partials)
	return text, nil
}
