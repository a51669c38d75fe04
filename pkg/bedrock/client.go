package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/savaki/replyrouter/pkg/models"
	"github.com/savaki/replyrouter/pkg/provider"
)

const (
	// Name identifies this provider in the fallback chain
	Name = "bedrock"

	// Default Bedrock model ID for Claude 3.5 Sonnet
	DefaultModelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"

	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 1024
)

// InvokeAPI is the subset of the Bedrock Runtime client used here
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider answers messages through a Claude model on AWS Bedrock
type Provider struct {
	client       InvokeAPI
	modelID      string
	systemPrompt string
	maxTokens    int
}

var _ provider.Provider = (*Provider)(nil)

// NewProvider creates a Bedrock provider from an AWS config
func NewProvider(cfg aws.Config) *Provider {
	return NewProviderWithClient(bedrockruntime.NewFromConfig(cfg))
}

// NewProviderWithClient creates a Bedrock provider over an existing client
func NewProviderWithClient(client InvokeAPI) *Provider {
	return &Provider{
		client:       client,
		modelID:      DefaultModelID,
		systemPrompt: GetSystemPrompt(),
		maxTokens:    defaultMaxTokens,
	}
}

// SetModel allows overriding the default model ID
func (p *Provider) SetModel(modelID string) {
	if modelID != "" {
		p.modelID = modelID
	}
}

// SetSystemPrompt overrides the default system prompt
func (p *Provider) SetSystemPrompt(prompt string) {
	p.systemPrompt = prompt
}

// message is one turn in the Claude Messages API
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BedrockRequest represents a request to Bedrock (Claude Messages API format)
type BedrockRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
	System           string    `json:"system,omitempty"`
}

// BedrockResponse represents a response from Bedrock
type BedrockResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) Name() string {
	return Name
}

// Send asks the model to answer the user's text
func (p *Provider) Send(ctx context.Context, req provider.Request) (models.ReplySet, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &provider.Error{Provider: Name, Err: fmt.Errorf("text cannot be empty")}
	}
	return p.invoke(ctx, req.Text, req.Language)
}

// SendEvent describes the selected button to the model
func (p *Provider) SendEvent(ctx context.Context, req provider.EventRequest) (models.ReplySet, error) {
	choice := req.Payload
	if choice == "" {
		choice = req.EventName
	}
	if choice == "" {
		return nil, &provider.Error{Provider: Name, Err: fmt.Errorf("event has no payload")}
	}
	return p.invoke(ctx, fmt.Sprintf("[The user selected the option: %s]", choice), "")
}

func (p *Provider) invoke(ctx context.Context, text, language string) (models.ReplySet, error) {
	system := p.systemPrompt
	if language != "" {
		system += "\n\nReply in the language with code: " + language
	}

	// Build request in Claude Messages API format
	body, err := json.Marshal(BedrockRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        p.maxTokens,
		Messages:         []message{{Role: "user", Content: text}},
		System:           system,
	})
	if err != nil {
		return nil, &provider.Error{Provider: Name, Err: fmt.Errorf("marshal request: %w", err)}
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("invoke bedrock model: %w", err))
	}

	var response BedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return nil, &provider.Error{Provider: Name, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	var replies models.ReplySet
	for _, c := range response.Content {
		if c.Type == "text" && strings.TrimSpace(c.Text) != "" {
			replies = append(replies, models.ReplyPart{Type: models.PartText, Content: c.Text})
		}
	}
	return replies, nil
}

// classify maps AWS SDK failures onto provider retry semantics
func classify(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return provider.NewStatusError(Name, respErr.HTTPStatusCode(), err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &provider.Error{Provider: Name, Retryable: apiErr.ErrorFault() == smithy.FaultServer, Err: err}
	}

	return &provider.Error{Provider: Name, Retryable: errors.Is(err, context.DeadlineExceeded), Err: err}
}

// GetSystemPrompt returns the default system prompt for the storefront assistant
func GetSystemPrompt() string {
	return `You are a customer support assistant for an online shop. You answer questions from shoppers in a chat window.

Your capabilities:
- Answer questions about products, prices, shipping and order status in general terms
- Ask for an order id when the shopper wants to track an order
- Collect contact details when the shopper asks to be called back

Guidelines:
- Keep answers short: two or three sentences
- Never invent prices, stock levels or delivery dates
- If the shopper is upset or asks for a person, say that a staff member will join shortly

Respond in the shopper's language, in a friendly tone, without markdown.`
}
