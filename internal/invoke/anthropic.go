package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/hound/internal/failure"
)

// Per-million-token prices used to estimate attempt cost.
const (
	defaultInputPrice  = 3.0
	defaultOutputPrice = 15.0
)

// Anthropic runs an attempt as a single Messages API call. The model is
// asked for a JSON object mapping each deliverable path to its content;
// the files are written into the attempt's working directory.
type Anthropic struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	prompts   Prompts

	InputPrice  float64
	OutputPrice float64
}

// NewAnthropic creates an invoker with the given API key and model.
func NewAnthropic(apiKey, model string, maxTokens int64, prompts Prompts) *Anthropic {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Anthropic{
		api:         &client,
		model:       anthropic.Model(model),
		maxTokens:   maxTokens,
		prompts:     prompts,
		InputPrice:  defaultInputPrice,
		OutputPrice: defaultOutputPrice,
	}
}

// buildPrompt constructs the system and user prompts for one attempt.
func buildPrompt(instructions string, req Request) (system string, user string) {
	system = `You are one agent in an automated, authorized security assessment pipeline.
Return ONLY a JSON object whose keys are the deliverable paths you were asked to produce and whose values are the full file contents as strings.

Rules:
- Produce every listed deliverable; never return an empty object
- Files ending in .json must contain valid JSON encoded as a string value
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent: %s (phase %s, attempt %d)\n", req.Agent, req.Phase, req.Attempt)
	fmt.Fprintf(&sb, "Target: %s\n", req.TargetURL)
	if len(req.Deliverables) > 0 {
		sb.WriteString("Deliverables:\n")
		for _, d := range req.Deliverables {
			sb.WriteString("- ")
			sb.WriteString(d)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nInstructions:\n")
	sb.WriteString(Render(instructions, req))
	user = sb.String()
	return
}

func (a *Anthropic) Invoke(ctx context.Context, req Request) (Result, error) {
	instructions, err := a.prompts.Resolve(req.Prompt)
	if err != nil {
		return Result{}, failure.Wrap(err, failure.KindTool)
	}
	systemPrompt, userPrompt := buildPrompt(instructions, req)

	start := time.Now()
	msg, err := a.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	res := Result{Duration: time.Since(start)}
	if err != nil {
		return res, classifyAPIError(err)
	}
	res.CostUSD = (float64(msg.Usage.InputTokens)*a.InputPrice + float64(msg.Usage.OutputTokens)*a.OutputPrice) / 1e6

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return res, failure.New(failure.KindTool, "no text content in API response")
	}
	res.Output = text

	files, err := parseDeliverables(text)
	if err != nil {
		return res, failure.Wrap(err, failure.KindValidation)
	}
	res.Artifacts, err = writeDeliverables(req.Workdir, files)
	if err != nil {
		return res, failure.Wrap(err, failure.KindTool)
	}
	return res, nil
}

func classifyAPIError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if kind := failure.FromHTTPStatus(apiErr.StatusCode); kind != "" {
			return failure.Wrap(fmt.Errorf("anthropic API call: %w", err), kind)
		}
	}
	return failure.Wrap(fmt.Errorf("anthropic API call: %w", err), failure.Classify(err).Kind)
}

// parseDeliverables decodes the model's path -> content object, tolerating
// markdown fencing around it.
func parseDeliverables(text string) (map[string]string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	var files map[string]string
	if err := json.Unmarshal([]byte(text), &files); err != nil {
		return nil, fmt.Errorf("parse deliverables JSON: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("response contains no deliverables")
	}
	return files, nil
}

// writeDeliverables writes files under workdir in name order.
func writeDeliverables(workdir string, files map[string]string) ([]string, error) {
	var written []string
	for _, name := range slices.Sorted(maps.Keys(files)) {
		rel, err := WriteDeliverable(workdir, name, []byte(files[name]))
		if err != nil {
			return written, err
		}
		written = append(written, rel)
	}
	return written, nil
}

// WriteDeliverable writes one file under workdir and returns its slash
// separated relative path. The path may not escape workdir.
func WriteDeliverable(workdir, name string, content []byte) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("deliverable path %q escapes the working directory", name)
	}
	path := filepath.Join(workdir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", err
	}
	return filepath.ToSlash(clean), nil
}
