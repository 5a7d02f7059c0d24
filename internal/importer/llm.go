package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flylab/stockbook/internal/logging"
)

const llmSystemPrompt = `You review rows from a fly stock collection import for a genetics lab.
Flag a row only when something about it looks wrong: a genotype that is not
plausible Drosophila nomenclature, values that contradict each other, or data
that appears to be in the wrong column. Respond with JSON only:
{"flagged": bool, "field": string, "reason": string, "confidence": number, "suggestion": string}
Confidence is between 0 and 1. When nothing is wrong, respond {"flagged": false}.`

// llmVerdict is the JSON shape the model is instructed to return.
type llmVerdict struct {
	Flagged    bool    `json:"flagged"`
	Field      string  `json:"field"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Suggestion string  `json:"suggestion"`
}

// LLMDetector asks a chat completion model to review rows the rule
// based detector cannot judge, such as implausible genotypes. It is
// advisory: any API or parse failure yields no conflicts rather than
// blocking the import.
type LLMDetector struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewLLMDetector builds a detector using the given API key and model.
func NewLLMDetector(apiKey, model string, timeout time.Duration) *LLMDetector {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LLMDetector{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
	}
}

func (d *LLMDetector) Name() string { return "llm" }

// Detect sends one row to the model and maps a flagged verdict to a
// single LLM_FLAGGED conflict.
func (d *LLMDetector) Detect(ctx context.Context, row TransformedRow, rowIndex int, _ *DetectionContext) []Conflict {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: d.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: llmSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: formatRowForReview(row)},
		},
	})
	if err != nil {
		logging.FromContext(ctx).Warn("llm review failed", "row_index", rowIndex, "error", err)
		return nil
	}
	if len(resp.Choices) == 0 {
		return nil
	}

	var verdict llmVerdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &verdict); err != nil {
		logging.FromContext(ctx).Warn("llm returned unparseable verdict", "row_index", rowIndex, "error", err)
		return nil
	}
	if !verdict.Flagged {
		return nil
	}

	field := verdict.Field
	if field == "" {
		field = "row"
	}
	return []Conflict{{
		Type:       ConflictLLMFlagged,
		Field:      field,
		Message:    fmt.Sprintf("row %d: %s", rowIndex, verdict.Reason),
		Detector:   d.Name(),
		Confidence: verdict.Confidence,
		Suggestion: verdict.Suggestion,
	}}
}

// formatRowForReview renders the normalized fields in a stable order.
func formatRowForReview(row TransformedRow) string {
	keys := make([]string, 0, len(row.Fields))
	for k := range row.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, row.Fields[k])
	}
	return b.String()
}
