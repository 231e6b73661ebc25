package graphql

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	apperrors "github.com/restql/restql/internal/errors"
	servermw "github.com/restql/restql/internal/server/middleware"
)

// DefaultMaxBodyBytes bounds POST bodies.
const DefaultMaxBodyBytes int64 = 1 << 20

// HandlerOptions configures Handler.
type HandlerOptions struct {
	MaxBodyBytes int64
	Logger       *logging.Logger
}

// Handler serves GraphQL over HTTP: POST with a JSON body, or GET with
// query, operationName and variables parameters.
type Handler struct {
	exec         *Executor
	maxBodyBytes int64
	logger       *logging.Logger
}

// NewHandler wraps exec for HTTP.
func NewHandler(exec *Executor, opts HandlerOptions) *Handler {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{exec: exec, maxBodyBytes: maxBody, logger: opts.Logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		req Request
		err error
	)
	switch r.Method {
	case http.MethodPost:
		req, err = h.decodePost(w, r)
	case http.MethodGet:
		req, err = decodeGet(r)
	default:
		w.Header().Set("Allow", "GET, POST")
		apperrors.RespondWithError(w, r, apperrors.NewMethodNotAllowedError("GraphQL requests must use GET or POST"))
		return
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apperrors.RespondWithError(w, r, apperrors.NewPayloadTooLargeError("request body exceeds the configured limit"))
			return
		}
		writeResponse(w, http.StatusBadRequest, documentError(apperrors.NewInvalidInputError(err.Error())))
		return
	}

	clientKey := servermw.GetClientKey(r.Context())
	resp := h.exec.Execute(r.Context(), req, clientKey)

	status := http.StatusOK
	switch {
	case !resp.HasData():
		status = documentStatus(resp)
	case allFieldsFailed(resp):
		status = sharedFieldStatus(resp)
	}
	if h.logger != nil {
		h.logger.Debug("GraphQL request served",
			zap.String("operation", req.OperationName),
			zap.String("client", clientKey),
			zap.Int("status", status),
			zap.Int("errors", len(resp.Errors)))
	}
	writeResponse(w, status, resp)
}

// decodePost reads a JSON request object, or with Content-Type
// application/graphql a bare query document. A missing content type is
// treated as JSON.
func (h *Handler) decodePost(w http.ResponseWriter, r *http.Request) (Request, error) {
	var req Request
	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		parsed, _, err := mime.ParseMediaType(ct)
		if err != nil || (parsed != "application/json" && parsed != "application/graphql") {
			return req, errors.New("content type must be application/json or application/graphql")
		}
		mediaType = parsed
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		return req, err
	}
	if mediaType == "application/graphql" {
		req.Query = string(body)
		return req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errors.New("request body must be a JSON object")
	}
	return req, nil
}

func decodeGet(r *http.Request) (Request, error) {
	q := r.URL.Query()
	req := Request{
		Query:         q.Get("query"),
		OperationName: q.Get("operationName"),
		QueryOnly:     true,
	}
	if raw := strings.TrimSpace(q.Get("variables")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
			return req, errors.New("variables must be a JSON object")
		}
	}
	return req, nil
}

// documentStatus picks the HTTP status for a response that carries no data.
func documentStatus(resp *Response) int {
	for _, e := range resp.Errors {
		if status, ok := e.Extensions["status"].(int); ok && status >= http.StatusBadRequest {
			return status
		}
	}
	return http.StatusBadRequest
}

// allFieldsFailed reports whether every root field resolved to null.
func allFieldsFailed(resp *Response) bool {
	if len(resp.Errors) == 0 {
		return false
	}
	for _, key := range resp.Data.Keys() {
		if v, _ := resp.Data.Get(key); v != nil {
			return false
		}
	}
	return true
}

// sharedFieldStatus returns the status common to every field error, so a
// request whose only field was rate limited answers 429. Mixed failures
// stay 200 and are told apart by extensions.code.
func sharedFieldStatus(resp *Response) int {
	shared := 0
	for _, e := range resp.Errors {
		status, ok := e.Extensions["status"].(int)
		if !ok || status < http.StatusBadRequest || (shared != 0 && status != shared) {
			return http.StatusOK
		}
		shared = status
	}
	return shared
}

func writeResponse(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
