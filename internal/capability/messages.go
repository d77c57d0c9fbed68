package capability

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rendis/skillflow/internal/logging"
	"github.com/rendis/skillflow/pkg/schema"
)

const (
	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultBatchModel = "claude-sonnet-4-5"
	DefaultChatModel  = "claude-3-5-haiku-latest"

	batchMaxTokens = 2000
	chatMaxTokens  = 4000

	defaultMaxRetries = 2
)

// KeySource resolves the API key for each request.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// MessagesConfig configures a MessagesClient.
type MessagesConfig struct {
	BaseURL    string
	BatchModel string
	ChatModel  string
	Timeout    time.Duration // per attempt
	MaxRetries int           // retries of 408, 409, 429 and 5xx replies; negative disables
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// MessagesClient is the remote capability: it sends skill invocations to a
// messages-style generative API and turns replies into node outputs.
type MessagesClient struct {
	cfg     MessagesConfig
	api     anthropic.Client
	keys    KeySource
	skills  *Registry
	prompts *Prompts
	logger  *slog.Logger
}

// NewMessagesClient creates a client. Zero fields in cfg take defaults.
func NewMessagesClient(cfg MessagesConfig, keys KeySource, skills *Registry) *MessagesClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BatchModel == "" {
		cfg.BatchModel = DefaultBatchModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = defaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if skills == nil {
		skills = DefaultRegistry()
	}

	opts := []option.RequestOption{
		option.WithBaseURL(cfg.BaseURL + "/"),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &MessagesClient{
		cfg:     cfg,
		api:     anthropic.NewClient(opts...),
		keys:    keys,
		skills:  skills,
		prompts: NewPrompts(),
		logger:  logger,
	}
}

// Invoke runs one skill. Batch calls return the parsed JSON output; chat calls
// return the assistant's reply text.
func (c *MessagesClient) Invoke(ctx context.Context, kind string, inputs map[string]any, ic InvokeContext) (any, error) {
	skill, err := c.skills.Get(kind)
	if err != nil {
		skill = SkillDefinition{ID: kind, Name: kind}
	}

	var params anthropic.MessageNewParams
	switch ic.Mode {
	case ModeChat:
		params = anthropic.MessageNewParams{
			Model:     anthropic.Model(firstNonEmpty(ic.Model, c.cfg.ChatModel)),
			MaxTokens: chatMaxTokens,
			System:    []anthropic.TextBlockParam{{Text: c.prompts.System(skill, ic.PriorOutput, ic.Guidance)}},
			Messages:  chatMessages(ic.Transcript, ic.Attachments),
		}
	default:
		prompt, err := c.prompts.Batch(skill, inputs, ic.Guidance)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCapabilityFailure,
				"render prompt for %s: %s", kind, err.Error()).WithCause(err).WithNode(ic.NodeID)
		}
		params = anthropic.MessageNewParams{
			Model:     anthropic.Model(firstNonEmpty(ic.Model, c.cfg.BatchModel)),
			MaxTokens: batchMaxTokens,
			Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		}
	}
	if len(params.Messages) == 0 {
		params.Messages = []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("Begin."))}
	}

	text, err := c.send(ctx, params)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.NodeID == "" {
			fe.NodeID = ic.NodeID
		}
		return nil, err
	}

	if ic.Mode == ModeChat {
		return text, nil
	}
	return ExtractJSON(text), nil
}

// CheckCredentials succeeds when an API key can be resolved.
func (c *MessagesClient) CheckCredentials(ctx context.Context, _ []string, _ Mode) error {
	_, err := c.apiKey(ctx)
	return err
}

func (c *MessagesClient) send(ctx context.Context, params anthropic.MessageNewParams) (string, error) {
	key, err := c.apiKey(ctx)
	if err != nil {
		return "", err
	}

	msg, err := c.api.Messages.New(ctx, params, option.WithAPIKey(key))
	if err != nil {
		return "", c.mapError(ctx, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", schema.NewError(schema.ErrCodeCapabilityFailure, "response contained no text").
			WithDetails(map[string]any{"retryable": false})
	}
	return b.String(), nil
}

func (c *MessagesClient) apiKey(ctx context.Context) (string, error) {
	if c.keys == nil {
		return "", schema.NewError(schema.ErrCodeMissingCredential, "no API key source configured")
	}
	return c.keys.APIKey(ctx)
}

// mapError turns SDK errors into flow errors. API replies keep their status;
// anything else is a transport or decoding failure.
func (c *MessagesClient) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return schema.NewError(schema.ErrCodeCancelled, "request cancelled").WithCause(ctx.Err())
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		logging.LogWith(ctx, c.logger).Warn("messages API error", "status", apiErr.StatusCode)
		return statusError(apiErr.StatusCode, apiErr.Error()).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeCapabilityFailure, "messages request failed: %s", err.Error()).
		WithCause(err).WithDetails(map[string]any{"retryable": false})
}

func statusError(status int, msg string) *schema.FlowError {
	details := map[string]any{"status": status}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return schema.NewErrorf(schema.ErrCodeMissingCredential, "API key rejected (%d): %s", status, msg).
			WithDetails(details)
	case status == http.StatusTooManyRequests || status >= 500:
		details["retryable"] = true
	default:
		details["retryable"] = false
	}
	return schema.NewErrorf(schema.ErrCodeCapabilityFailure, "messages API returned %d: %s", status, msg).
		WithDetails(details)
}

// chatMessages maps a transcript to API messages. System turns are sent as
// user turns, consecutive turns of the same role are merged and the
// conversation must open with a user message. Attachments ride on the last
// user message ahead of its text.
func chatMessages(transcript []schema.Turn, attachments []schema.Attachment) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, t := range transcript {
		role := anthropic.MessageParamRoleUser
		if t.Role == schema.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		if t.Content == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, anthropic.NewTextBlock(t.Content))
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(t.Content)}})
	}
	if len(out) > 0 && out[0].Role != anthropic.MessageParamRoleUser {
		out = append([]anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("Begin."))}, out...)
	}

	if len(attachments) > 0 {
		last := -1
		for i := len(out) - 1; i >= 0; i-- {
			if out[i].Role == anthropic.MessageParamRoleUser {
				last = i
				break
			}
		}
		if last == -1 {
			out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleUser})
			last = len(out) - 1
		}
		docs := make([]anthropic.ContentBlockParamUnion, 0, len(attachments))
		for _, a := range attachments {
			docs = append(docs, attachmentBlock(a))
		}
		out[last].Content = append(docs, out[last].Content...)
		if len(out[last].Content) == len(docs) {
			out[last].Content = append(out[last].Content, anthropic.NewTextBlock(fmt.Sprintf("%d file(s) attached.", len(docs))))
		}
	}
	return out
}

// attachmentBlock sends images as image blocks, text files as plain-text
// documents and everything else as a base64 PDF document.
func attachmentBlock(a schema.Attachment) anthropic.ContentBlockParamUnion {
	mt := a.MimeType
	switch {
	case strings.HasPrefix(mt, "image/"):
		return anthropic.NewImageBlockBase64(mt, base64.StdEncoding.EncodeToString(a.Data))
	case strings.HasPrefix(mt, "text/"), mt == "application/json":
		return anthropic.NewDocumentBlock(anthropic.PlainTextSourceParam{Data: string(a.Data)})
	default:
		return anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: base64.StdEncoding.EncodeToString(a.Data)})
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	_ Capability        = (*MessagesClient)(nil)
	_ CredentialChecker = (*MessagesClient)(nil)
)
