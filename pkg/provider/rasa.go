package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/savaki/replyrouter/pkg/models"
)

const (
	RasaName        = "rasa"
	rasaWebhookPath = "/webhooks/rest/webhook"
	maxErrorBody    = 512
)

// RasaProvider talks to a Rasa REST channel webhook
type RasaProvider struct {
	baseURL string
	client  *http.Client
}

// NewRasaProvider creates a provider for the Rasa server at baseURL.
// client may be nil; per-call timeouts come from the chain.
func NewRasaProvider(baseURL string, client *http.Client) *RasaProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &RasaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// rasaRequest is the REST channel request body
type rasaRequest struct {
	Sender   string            `json:"sender"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// rasaReply is one element of the REST channel response array
type rasaReply struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text,omitempty"`
	Image       string `json:"image,omitempty"`
	Buttons     []struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"buttons,omitempty"`
}

func (p *RasaProvider) Name() string {
	return RasaName
}

// Send forwards free text to Rasa
func (p *RasaProvider) Send(ctx context.Context, req Request) (models.ReplySet, error) {
	return p.post(ctx, rasaRequest{
		Sender:   senderID(req.BotID, req.UserID),
		Message:  req.Text,
		Metadata: req.Vars,
	})
}

// SendEvent forwards a postback as a Rasa intent message. Payloads already
// in "/intent" form are passed through.
func (p *RasaProvider) SendEvent(ctx context.Context, req EventRequest) (models.ReplySet, error) {
	message := req.Payload
	if message == "" {
		message = req.EventName
	}
	if !strings.HasPrefix(message, "/") {
		message = "/" + message
	}
	return p.post(ctx, rasaRequest{
		Sender:   senderID(req.BotID, req.UserID),
		Message:  message,
		Metadata: req.Vars,
	})
}

func (p *RasaProvider) post(ctx context.Context, body rasaRequest) (models.ReplySet, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: RasaName, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+rasaWebhookPath, bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Provider: RasaName, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: RasaName, Retryable: true, Err: fmt.Errorf("post webhook: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, NewStatusError(RasaName, resp.StatusCode, fmt.Errorf("webhook returned %q", strings.TrimSpace(string(snippet))))
	}

	var replies []rasaReply
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		return nil, &Error{Provider: RasaName, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	return translateRasa(replies), nil
}

func translateRasa(replies []rasaReply) models.ReplySet {
	var out models.ReplySet
	for _, r := range replies {
		if r.Text != "" {
			part := models.ReplyPart{Type: models.PartText, Content: r.Text}
			for _, b := range r.Buttons {
				part.QuickReplies = append(part.QuickReplies, models.QuickReply{Title: b.Title, Payload: b.Payload})
			}
			out = append(out, part)
		}
		if r.Image != "" {
			out = append(out, models.ReplyPart{Type: models.PartImage, Content: r.Image})
		}
	}
	return out
}

func senderID(botID, userID string) string {
	if botID == "" {
		return userID
	}
	return botID + ":" + userID
}
