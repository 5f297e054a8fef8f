// Package classify maps free-text chat messages to structured actions via
// an external language model. The engine treats it as a black box: text in,
// intent plus parameters out. A model failure degrades to a polite general
// response rather than an error, so the chat never hard-fails on the LLM.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/config"
)

// Intent is one of the recognized request categories.
type Intent string

const (
	IntentExpenseRecording Intent = "expense_recording"
	IntentDataAnalysis     Intent = "data_analysis"
	IntentMarketAnalysis   Intent = "market_analysis"
	IntentExecutiveReport  Intent = "executive_report"
	IntentAdminTask        Intent = "admin_task"
	IntentGeneral          Intent = "general"
)

var intentDescriptions = map[Intent]string{
	IntentExpenseRecording: "Record expenses / charge entries, process expense files, create orders on the portal",
	IntentDataAnalysis:     "Retrieve booking data, sales reports, seller performance from the portal",
	IntentMarketAnalysis:   "Analyse travel packages, competitive pricing, market trends",
	IntentExecutiveReport:  "Generate executive summaries, aggregate reports, strategic insights",
	IntentAdminTask:        "List / search existing records, lookups on the portal",
	IntentGeneral:          "Greetings, help, status checks, general questions about the system",
}

// TaskDetails carries what the delegated handler should do.
type TaskDetails struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// Result is the structured classification of one chat message.
type Result struct {
	Intent      Intent      `json:"intent"`
	Confidence  float64     `json:"confidence"`
	Response    string      `json:"response"`
	Delegate    bool        `json:"delegate"`
	TaskDetails TaskDetails `json:"task_details"`
}

// Turn is one prior conversation turn, for follow-up context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const maxHistoryTurns = 6

// Classifier calls the chat-completion API with a routing system prompt.
type Classifier struct {
	model string
	log   *zap.Logger

	// complete is the raw model call, injectable in tests.
	complete func(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// New creates a classifier from the OpenAI configuration.
func New(cfg config.OpenAIConfig, log *zap.Logger) *Classifier {
	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	c := &Classifier{model: model, log: log}
	c.complete = func(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
		resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(c.model),
			Messages:    messages,
			Temperature: openai.Float(0.3),
			MaxTokens:   openai.Int(1024),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
			},
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("model returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	}
	return c
}

// Classify maps one user message (plus optional uploaded file path and
// recent history) to an intent and delegation decision.
func (c *Classifier) Classify(ctx context.Context, message, filePath string, history []Turn) *Result {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt()),
	}
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	for _, turn := range history {
		if turn.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	content := message
	if filePath != "" {
		content += "\n\n[The user has uploaded a file: " + filePath + "]"
	}
	messages = append(messages, openai.UserMessage(content))

	raw, err := c.complete(ctx, messages)
	if err != nil {
		c.log.Error("classifier model call failed", zap.Error(err))
		return fallbackResult(err)
	}

	result, err := parseResult(raw)
	if err != nil {
		c.log.Error("classifier returned unparseable output",
			zap.Error(err), zap.String("raw", truncate(raw, 200)))
		return fallbackResult(err)
	}

	c.log.Info("message classified",
		zap.String("intent", string(result.Intent)),
		zap.Bool("delegate", result.Delegate),
		zap.Float64("confidence", result.Confidence))
	return result
}

func parseResult(raw string) (*Result, error) {
	raw = strings.TrimSpace(raw)
	// Some models wrap JSON in a code fence despite the response format.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("invalid classifier JSON: %w", err)
	}
	if _, known := intentDescriptions[result.Intent]; !known {
		result.Intent = IntentGeneral
		result.Delegate = false
	}
	return &result, nil
}

func fallbackResult(err error) *Result {
	return &Result{
		Intent:     IntentGeneral,
		Confidence: 0,
		Response:   fmt.Sprintf("Sorry, I'm having trouble processing your request. (%v)", err),
		Delegate:   false,
	}
}

func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are the central coordinator for a travel-operations automation system ")
	b.WriteString("that manages expense recording on a B2B travel portal.\n\n")
	b.WriteString("Classify every request into ONE of these intents:\n")
	for _, intent := range []Intent{
		IntentExpenseRecording, IntentDataAnalysis, IntentMarketAnalysis,
		IntentExecutiveReport, IntentAdminTask, IntentGeneral,
	} {
		fmt.Fprintf(&b, "- %s: %s\n", intent, intentDescriptions[intent])
	}
	b.WriteString(`
Always reply with valid JSON (nothing else):
{
  "intent": "<one of the intent keys above>",
  "confidence": <0.0-1.0>,
  "response": "<your natural language reply, markdown is fine>",
  "delegate": true | false,
  "task_details": {
    "action": "<what the handler should do>",
    "parameters": { }
  }
}

Set delegate to false when you can answer directly (greetings, help,
clarifications). Set delegate to true when a specialist handler should
take over. If the request is vague, ask a short clarifying question with
intent "general".
`)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
