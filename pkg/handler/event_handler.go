package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/savaki/replyrouter/pkg/models"
	"github.com/savaki/replyrouter/pkg/router"
	"go.uber.org/zap"
)

// TurnHandler runs one inbound event through the reply pipeline; *router.Router implements it
type TurnHandler interface {
	HandleEvent(ctx context.Context, evt models.InboundEvent) (*router.TurnResult, error)
}

var _ TurnHandler = (*router.Router)(nil)

// EventHandler handles Slack Events API and interaction requests delivered through API Gateway
type EventHandler struct {
	turns      TurnHandler
	signingKey string
	opts       NormalizeOptions
	logger     *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler(turns TurnHandler, signingKey string, opts NormalizeOptions, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		turns:      turns,
		signingKey: signingKey,
		opts:       opts,
		logger:     logger,
	}
}

// Handle verifies, normalizes and routes one request
func (h *EventHandler) Handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return badRequest("invalid body encoding"), nil
		}
		body = decoded
	}

	if err := ValidateSlackRequest(body, request.Headers, h.signingKey); err != nil {
		h.logger.Warn("rejecting unsigned request", zap.Error(err))
		return errorResponse(http.StatusUnauthorized, "invalid signature"), nil
	}

	var envelope *Envelope
	var err error
	if strings.HasPrefix(header(request.Headers, "Content-Type"), "application/x-www-form-urlencoded") {
		envelope, err = NormalizeInteraction(body)
	} else {
		envelope, err = NormalizeEventsAPI(body, h.opts)
	}
	if err != nil {
		h.logger.Warn("failed to parse slack request", zap.Error(err))
		return badRequest("invalid event format"), nil
	}

	if envelope.Challenge != "" {
		h.logger.Info("responding to slack url verification challenge")
		return okResponse(map[string]string{"challenge": envelope.Challenge}), nil
	}

	if retry := header(request.Headers, "X-Slack-Retry-Num"); retry != "" {
		h.logger.Info("slack retry delivery",
			zap.String("retry_num", retry),
			zap.String("retry_reason", header(request.Headers, "X-Slack-Retry-Reason")),
		)
	}

	result, err := h.turns.HandleEvent(ctx, envelope.Event)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("turn abandoned", zap.Error(err))
		} else {
			h.logger.Error("turn failed", zap.String("message_id", envelope.Event.MessageID), zap.Error(err))
		}
		return errorResponse(http.StatusInternalServerError, "failed to process event"), nil
	}

	return okResponse(map[string]any{"ok": true, "outcome": result.Outcome}), nil
}

// header looks up a header case-insensitively; API Gateway may lowercase names
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// errorResponse returns a JSON error response
func errorResponse(status int, message string) events.APIGatewayProxyResponse {
	data, _ := json.Marshal(map[string]string{"error": message})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(data),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// badRequest returns a 400 error response
func badRequest(message string) events.APIGatewayProxyResponse {
	return errorResponse(http.StatusBadRequest, message)
}

// okResponse returns a successful response
func okResponse(body interface{}) events.APIGatewayProxyResponse {
	data, _ := json.Marshal(body)
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Body:       string(data),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
