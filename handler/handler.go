package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"studio-chat/internal/auth"
	"studio-chat/internal/chat"
	"studio-chat/internal/domain"
)

const (
	DefaultMaxMessageLength = 2000
	correlationHeader       = "X-Correlation-Id"
)

const (
	codeInvalidInput  = "INVALID_INPUT"
	codeNotFound      = "NOT_FOUND"
	codeUpstream      = "UPSTREAM_ERROR"
	codeUnauthorized  = "UNAUTHORIZED"
	codeRouteNotFound = "ROUTE_NOT_FOUND"
	codeInternal      = "INTERNAL_ERROR"
)

// Authenticator is the operator sign-in shim the admin routes rely on.
// SignIn reports a wrong username or password with auth.ErrInvalidCredentials.
type Authenticator interface {
	SignIn(ctx context.Context, username, password string) (string, error)
	Verify(ctx context.Context, token string) bool
}

type Handler struct {
	svc        chat.Service
	auth       Authenticator
	maxTextLen int
	logger     *slog.Logger
}

type Option func(*Handler)

func WithMaxMessageLength(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxTextLen = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(svc chat.Service, operators Authenticator, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if operators == nil {
		return nil, errors.New("handler: authenticator must not be nil")
	}
	h := &Handler{
		svc:        svc,
		auth:       operators,
		maxTextLen: DefaultMaxMessageLength,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type startResponse struct {
	ConversationID string `json:"conversationId"`
}

type messagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

type conversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type textRequest struct {
	Text string `json:"text"`
}

type contactRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Handle serves one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlationId", correlationID, "method", event.HTTPMethod, "path", event.Path)

	resp := h.route(ctx, event)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = correlationID

	if resp.StatusCode >= http.StatusInternalServerError {
		log.Error("request failed", "status", resp.StatusCode, "body", resp.Body)
	} else {
		log.Info("request handled", "status", resp.StatusCode)
	}
	return resp, nil
}

func (h *Handler) route(ctx context.Context, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	segs := splitPath(event.Path)
	method := event.HTTPMethod

	switch {
	case match(segs, "chat", "conversations"):
		if method == http.MethodPost {
			return h.start(ctx)
		}
	case match(segs, "chat", "conversations", "*", "messages"):
		switch method {
		case http.MethodGet:
			return h.messages(ctx, segs[2])
		case http.MethodPost:
			return h.send(ctx, segs[2], event.Body)
		}
	case match(segs, "chat", "conversations", "*", "contact"):
		if method == http.MethodPut {
			return h.updateContact(ctx, segs[2], event.Body)
		}
	case match(segs, "admin", "login"):
		if method == http.MethodPost {
			return h.login(ctx, event.Body)
		}
	case len(segs) >= 2 && segs[0] == "admin" && segs[1] == "conversations":
		return h.routeAdmin(ctx, event, segs, method)
	}
	return errorJSON(http.StatusNotFound, codeRouteNotFound, method+" "+event.Path)
}

func (h *Handler) routeAdmin(ctx context.Context, event events.APIGatewayProxyRequest, segs []string, method string) events.APIGatewayProxyResponse {
	var op func() events.APIGatewayProxyResponse
	switch {
	case match(segs, "admin", "conversations") && method == http.MethodGet:
		op = func() events.APIGatewayProxyResponse { return h.list(ctx, event.QueryStringParameters) }
	case match(segs, "admin", "conversations", "*") && method == http.MethodGet:
		op = func() events.APIGatewayProxyResponse { return h.conversation(ctx, segs[2]) }
	case match(segs, "admin", "conversations", "*", "messages") && method == http.MethodGet:
		op = func() events.APIGatewayProxyResponse { return h.messages(ctx, segs[2]) }
	case match(segs, "admin", "conversations", "*", "messages") && method == http.MethodPost:
		op = func() events.APIGatewayProxyResponse { return h.reply(ctx, segs[2], event.Body) }
	case match(segs, "admin", "conversations", "*", "close") && method == http.MethodPost:
		op = func() events.APIGatewayProxyResponse { return h.close(ctx, segs[2]) }
	default:
		return errorJSON(http.StatusNotFound, codeRouteNotFound, method+" "+event.Path)
	}

	if !h.auth.Verify(ctx, bearerToken(event.Headers)) {
		return errorJSON(http.StatusUnauthorized, codeUnauthorized, "operator token required")
	}
	return op()
}

func (h *Handler) start(ctx context.Context) events.APIGatewayProxyResponse {
	id, err := h.svc.Start(ctx)
	if err != nil {
		return serviceError(err)
	}
	return jsonResponse(http.StatusCreated, startResponse{ConversationID: id})
}

func (h *Handler) messages(ctx context.Context, id string) events.APIGatewayProxyResponse {
	msgs, err := h.svc.GetMessages(ctx, id)
	if err != nil {
		return serviceError(err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return jsonResponse(http.StatusOK, messagesResponse{Messages: msgs})
}

func (h *Handler) send(ctx context.Context, id, body string) events.APIGatewayProxyResponse {
	text, bad := h.decodeText(body)
	if bad != nil {
		return *bad
	}
	if err := h.svc.SendMessage(ctx, id, text); err != nil {
		return serviceError(err)
	}
	return emptyResponse(http.StatusAccepted)
}

func (h *Handler) reply(ctx context.Context, id, body string) events.APIGatewayProxyResponse {
	text, bad := h.decodeText(body)
	if bad != nil {
		return *bad
	}
	if err := h.svc.Reply(ctx, id, text); err != nil {
		return serviceError(err)
	}
	return emptyResponse(http.StatusAccepted)
}

func (h *Handler) updateContact(ctx context.Context, id, body string) events.APIGatewayProxyResponse {
	var req contactRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, codeInvalidInput, "invalid json body")
	}
	update := domain.ContactUpdate{Name: trimmed(req.Name), Email: trimmed(req.Email)}
	if update.Empty() {
		return errorJSON(http.StatusBadRequest, codeInvalidInput, "name or email is required")
	}
	if err := h.svc.UpdateContact(ctx, id, update); err != nil {
		return serviceError(err)
	}
	return emptyResponse(http.StatusNoContent)
}

func (h *Handler) login(ctx context.Context, body string) events.APIGatewayProxyResponse {
	var req loginRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, codeInvalidInput, "invalid json body")
	}
	if req.Username == "" || req.Password == "" {
		return errorJSON(http.StatusBadRequest, codeInvalidInput, "username and password are required")
	}
	token, err := h.auth.SignIn(ctx, req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return errorJSON(http.StatusUnauthorized, codeUnauthorized, "invalid credentials")
	}
	if err != nil {
		return errorJSON(http.StatusBadGateway, codeUpstream, "operator credentials unavailable")
	}
	return jsonResponse(http.StatusOK, loginResponse{Token: token})
}

func (h *Handler) list(ctx context.Context, query map[string]string) events.APIGatewayProxyResponse {
	var filter domain.ListFilter
	if s := query["status"]; s != "" {
		filter.Status = domain.Status(s)
		if !filter.Status.Valid() {
			return errorJSON(http.StatusBadRequest, codeInvalidInput, "unknown status "+s)
		}
	}
	if l := query["limit"]; l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return errorJSON(http.StatusBadRequest, codeInvalidInput, "limit must be a non-negative integer")
		}
		filter.Limit = n
	}

	convs, err := h.svc.ListConversations(ctx, filter)
	if err != nil {
		return serviceError(err)
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return jsonResponse(http.StatusOK, conversationsResponse{Conversations: convs})
}

func (h *Handler) conversation(ctx context.Context, id string) events.APIGatewayProxyResponse {
	conv, err := h.svc.GetConversation(ctx, id)
	if err != nil {
		return serviceError(err)
	}
	return jsonResponse(http.StatusOK, conv)
}

func (h *Handler) close(ctx context.Context, id string) events.APIGatewayProxyResponse {
	if err := h.svc.CloseConversation(ctx, id); err != nil {
		return serviceError(err)
	}
	return emptyResponse(http.StatusNoContent)
}

func (h *Handler) decodeText(body string) (string, *events.APIGatewayProxyResponse) {
	var req textRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		resp := errorJSON(http.StatusBadRequest, codeInvalidInput, "invalid json body")
		return "", &resp
	}
	if strings.TrimSpace(req.Text) == "" {
		resp := errorJSON(http.StatusBadRequest, codeInvalidInput, "text is required")
		return "", &resp
	}
	if utf8.RuneCountInString(req.Text) > h.maxTextLen {
		resp := errorJSON(http.StatusBadRequest, codeInvalidInput, "text exceeds "+strconv.Itoa(h.maxTextLen)+" characters")
		return "", &resp
	}
	return req.Text, nil
}

func serviceError(err error) events.APIGatewayProxyResponse {
	switch {
	case chat.IsNotFound(err):
		return errorJSON(http.StatusNotFound, codeNotFound, "conversation not found")
	case chat.IsTransport(err):
		return errorJSON(http.StatusBadGateway, codeUpstream, "")
	default:
		return errorJSON(http.StatusInternalServerError, codeInternal, "")
	}
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return errorJSON(http.StatusInternalServerError, codeInternal, "")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func errorJSON(status int, code, message string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: code, Message: message})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func emptyResponse(status int) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: map[string]string{}}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// match compares path segments against pattern; "*" matches any non-empty segment.
func match(segs []string, pattern ...string) bool {
	if len(segs) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p == "*" {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if segs[i] != p {
			return false
		}
	}
	return true
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func bearerToken(headers map[string]string) string {
	v := headerValue(headers, "Authorization")
	const prefix = "bearer "
	if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		return strings.TrimSpace(v[len(prefix):])
	}
	return ""
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
