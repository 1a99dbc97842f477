package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/HendryAvila/homunculus/internal/config"
	"github.com/HendryAvila/homunculus/internal/store"
)

// Refiner improves the primary file of a rendered proposal. Any error makes
// the synthesizer keep the template rendering.
type Refiner interface {
	Refine(ctx context.Context, req RefineRequest) (string, error)
}

// RefineRequest carries what the model needs to improve one file.
type RefineRequest struct {
	Gap            *store.Gap
	CapabilityType string
	Instructions   string
	Path           string
	Content        string
}

// ChatClient is the part of the OpenAI client the refiner uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ErrLLMDisabled is returned by NewLLMRefiner when the strategy is off or
// has no credentials.
var ErrLLMDisabled = errors.New("llm strategy disabled")

// LLMRefiner refines content through an OpenAI-compatible chat API. Calls
// are bounded by a timeout and a requests-per-minute limiter.
type LLMRefiner struct {
	client  ChatClient
	model   string
	timeout time.Duration
	limiter *rate.Limiter
}

// NewLLMRefiner builds a refiner from configuration.
func NewLLMRefiner(cfg config.LLMConfig) (*LLMRefiner, error) {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil, ErrLLMDisabled
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return NewLLMRefinerWithClient(openai.NewClientWithConfig(oc), cfg), nil
}

// NewLLMRefinerWithClient builds a refiner around an existing client.
func NewLLMRefinerWithClient(client ChatClient, cfg config.LLMConfig) *LLMRefiner {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &LLMRefiner{
		client:  client,
		model:   model,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

// Refine implements Refiner.
func (r *LLMRefiner) Refine(ctx context.Context, req RefineRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("synth: llm rate limit: %w", err)
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You improve capability files for a coding assistant. Output only the improved file."},
			{Role: openai.ChatMessageRoleUser, Content: refinePrompt(req)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("synth: llm call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("synth: llm returned no choices")
	}
	out := stripFence(resp.Choices[0].Message.Content)
	if strings.TrimSpace(out) == "" {
		return "", errors.New("synth: llm returned empty content")
	}
	return out, nil
}

func refinePrompt(req RefineRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Gap type: %s\n", req.Gap.Type)
	fmt.Fprintf(&b, "Domain: %s\n", req.Gap.Domain)
	fmt.Fprintf(&b, "Desired capability: %s\n", req.Gap.DesiredCapability)
	fmt.Fprintf(&b, "Evidence: %s\n", req.Gap.EvidenceSummary)
	fmt.Fprintf(&b, "Capability type: %s\n", req.CapabilityType)
	fmt.Fprintf(&b, "File: %s\n\n", req.Path)
	b.WriteString("Current content:\n```\n")
	b.WriteString(req.Content)
	b.WriteString("\n```\n\n")
	if req.Instructions != "" {
		b.WriteString("Instructions:\n")
		b.WriteString(req.Instructions)
		b.WriteString("\n\n")
	}
	b.WriteString("Make the instructions specific and actionable for this gap, add concrete examples, ")
	b.WriteString("and keep the same format including any front matter.")
	return b.String()
}

// stripFence removes one surrounding markdown code fence, if present.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimRight(t, "\n "), "```")
	return strings.TrimRight(t, "\n") + "\n"
}
