package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"thread-agent/internal/domain"
	"thread-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// ThreadUseCase is the session controller contract consumed by the handler.
// It is satisfied by *usecase.ThreadService.
type ThreadUseCase interface {
	StartThread(ctx context.Context) (string, error)
	Advance(ctx context.Context, threadID, userText string) (usecase.ThreadView, error)
	History(ctx context.Context, threadID string) ([]domain.Turn, error)
}

type Handler struct {
	uc  ThreadUseCase
	log *zap.Logger
}

func NewHandler(uc ThreadUseCase, log *zap.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{uc: uc, log: log}, nil
}

type advanceRequest struct {
	Message string `json:"message"`
}

type startThreadResponse struct {
	ThreadID string `json:"threadId"`
}

type turnPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type threadResponse struct {
	ThreadID string        `json:"threadId"`
	Messages []turnPayload `json:"messages"`
	Error    bool          `json:"error"`
}

type historyResponse struct {
	ThreadID string        `json:"threadId"`
	Messages []turnPayload `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handle routes an API Gateway proxy event to the matching thread operation.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := resolveCorrelationID(event.Headers)
	log := h.log.With(zap.String("correlation_id", correlationID))

	method := event.HTTPMethod
	segments := splitPath(event.Path)

	switch {
	case method == http.MethodPost && len(segments) == 1 && segments[0] == "threads":
		return h.handleStartThread(ctx, log, correlationID)
	case method == http.MethodPost && len(segments) == 3 && segments[0] == "threads" && segments[2] == "messages":
		return h.handleAdvance(ctx, log, correlationID, segments[1], event.Body)
	case method == http.MethodGet && len(segments) == 3 && segments[0] == "threads" && segments[2] == "messages":
		return h.handleHistory(ctx, log, correlationID, segments[1])
	default:
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: string(usecase.ErrorNotFound)}), nil
	}
}

func (h *Handler) handleStartThread(ctx context.Context, log *zap.Logger, correlationID string) (events.APIGatewayProxyResponse, error) {
	threadID, err := h.uc.StartThread(ctx)
	if err != nil {
		return h.errorResponse(log, correlationID, err), nil
	}
	log.Info("thread created", zap.String("thread_id", threadID))
	return jsonResponse(http.StatusOK, correlationID, startThreadResponse{ThreadID: threadID}), nil
}

func (h *Handler) handleAdvance(ctx context.Context, log *zap.Logger, correlationID, threadID, body string) (events.APIGatewayProxyResponse, error) {
	var req advanceRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	view, err := h.uc.Advance(ctx, threadID, req.Message)
	if err != nil {
		return h.errorResponse(log, correlationID, err), nil
	}
	if view.Error {
		log.Warn("model invocation failed", zap.String("thread_id", threadID))
	}
	return jsonResponse(http.StatusOK, correlationID, threadResponse{
		ThreadID: view.ThreadID,
		Messages: toTurnPayloads(view.Turns),
		Error:    view.Error,
	}), nil
}

func (h *Handler) handleHistory(ctx context.Context, log *zap.Logger, correlationID, threadID string) (events.APIGatewayProxyResponse, error) {
	turns, err := h.uc.History(ctx, threadID)
	if err != nil {
		return h.errorResponse(log, correlationID, err), nil
	}
	return jsonResponse(http.StatusOK, correlationID, historyResponse{
		ThreadID: threadID,
		Messages: toTurnPayloads(turns),
	}), nil
}

func (h *Handler) errorResponse(log *zap.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	code := usecase.ErrorInternal
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		code = ucErr.Code
	}
	log.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	return jsonResponse(statusFor(code), correlationID, errorResponse{Error: string(code)})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorAlreadyAnswered, usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toTurnPayloads(turns []domain.Turn) []turnPayload {
	out := make([]turnPayload, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnPayload{Role: string(t.Role), Content: t.Content})
	}
	return out
}

func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveCorrelationID echoes the caller's correlation id when present
// (header match is case-insensitive) and mints one otherwise.
func resolveCorrelationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

func jsonResponse(status int, correlationID string, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers: map[string]string{
				"Content-Type":    "application/json",
				correlationHeader: correlationID,
			},
			Body: `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}
