package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/model"
)

// EmbeddingsRequest is the body of POST /v1/embeddings. Input is a string or
// an array of strings.
type EmbeddingsRequest struct {
	Input json.RawMessage `json:"input"`
}

// EmbeddingData is one vector in an EmbeddingsResponse.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingsResponse is the body returned by POST /v1/embeddings.
type EmbeddingsResponse struct {
	Object    string          `json:"object"`
	Data      []EmbeddingData `json:"data"`
	Model     string          `json:"model"`
	Usage     Usage           `json:"usage"`
	CacheHits int             `json:"cache_hits"`
}

// Usage reports token counts for uncached inputs.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// SimilarityRequest is the body of POST /v1/similarity.
type SimilarityRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

// SimilarityResponse is the body returned by POST /v1/similarity.
type SimilarityResponse struct {
	Similarity float32 `json:"similarity"`
	Model      string  `json:"model"`
}

// ReloadRequest optionally names new artifacts for POST /admin/reload.
type ReloadRequest struct {
	model.Paths
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := s.deps.Service.HealthCheck(r.Context()); err != nil {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "embedd",
		"version": Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"model":   s.deps.Engine.Info(),
		"stats":   s.deps.Service.GetStats(),
	}
	if s.deps.Hub != nil {
		info["websocket"] = s.deps.Hub.GetStats()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req EmbeddingsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	texts, single, err := parseInput(req.Input)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := EmbeddingsResponse{Object: "list"}
	if single {
		res, err := s.deps.Service.GenerateEmbedding(r.Context(), texts[0])
		if err != nil {
			s.logFailure(r, "Embedding generation failed", err)
			writeError(w, err)
			return
		}
		resp.Model = res.Model
		resp.Data = []EmbeddingData{{Object: "embedding", Embedding: res.Embedding}}
		resp.Usage = Usage{PromptTokens: res.TokenCount, TotalTokens: res.TokenCount}
		if res.CacheHit {
			resp.CacheHits = 1
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	res, err := s.deps.Service.GenerateBatchEmbeddings(r.Context(), texts)
	if err != nil {
		s.logFailure(r, "Batch embedding generation failed", err)
		writeError(w, err)
		return
	}
	if len(res.Errors) > 0 {
		s.logFailure(r, "Batch embedding generation failed", res.Errors[0])
		writeError(w, res.Errors[0])
		return
	}
	resp.Model = res.Model
	resp.CacheHits = res.CacheHits
	resp.Usage = Usage{PromptTokens: res.TokenCount, TotalTokens: res.TokenCount}
	resp.Data = make([]EmbeddingData, len(res.Embeddings))
	for i, v := range res.Embeddings {
		resp.Data[i] = EmbeddingData{Object: "embedding", Index: i, Embedding: v}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	var req SimilarityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sim, err := s.deps.Service.Similarity(r.Context(), req.A, req.B)
	if err != nil {
		s.logFailure(r, "Similarity failed", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SimilarityResponse{Similarity: sim, Model: s.deps.Engine.Info().Fingerprint})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		writeErrorBody(w, http.StatusNotImplemented, "not_implemented", 0, "reload is not configured")
		return
	}

	var paths *model.Paths
	if r.ContentLength != 0 {
		var req ReloadRequest
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, err)
			return
		}
		if req.Config != "" || req.Tokenizer != "" || req.Weights != "" {
			if req.Config == "" || req.Tokenizer == "" || req.Weights == "" {
				writeError(w, apperr.Errorf(apperr.ErrInvalidInput, "config_path, tokenizer_path and weights_path must be given together"))
				return
			}
			paths = &req.Paths
		}
	}

	if err := s.deps.Reload(r.Context(), paths); err != nil {
		s.logFailure(r, "Model reload failed", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.Info())
}

func (s *Server) logFailure(r *http.Request, msg string, err error) {
	s.logger.WithRequestID(getRequestID(r.Context())).Warn(msg,
		zap.String("error_type", apperr.TypeOf(err)),
		zap.Error(err))
}

// parseInput accepts a JSON string or array of strings.
func parseInput(raw json.RawMessage) (texts []string, single bool, err error) {
	if len(raw) == 0 {
		return nil, false, apperr.Errorf(apperr.ErrInvalidInput, "input is required")
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, true, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, false, apperr.Errorf(apperr.ErrInvalidInput, "input must be a string or an array of strings")
	}
	if len(many) == 0 {
		return nil, false, apperr.Errorf(apperr.ErrInvalidInput, "input array is empty")
	}
	return many, false, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Errorf(apperr.ErrInvalidInput, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Wrap(apperr.ErrInvalidInput, err, "invalid request body")
	}
	return nil
}

// statusFor maps an error type to an HTTP status.
func statusFor(e *apperr.Error) int {
	switch e.Code {
	case apperr.ErrInvalidInput.Code, apperr.ErrInvalidEncoding.Code:
		return http.StatusBadRequest
	case apperr.ErrNotFound.Code:
		return http.StatusNotFound
	case apperr.ErrMalformed.Code:
		return http.StatusUnprocessableEntity
	case apperr.ErrReleased.Code:
		return http.StatusConflict
	case apperr.ErrNotReady.Code:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, io.EOF) {
		err = apperr.Errorf(apperr.ErrInvalidInput, "request body is empty")
	}
	e := apperr.As(err)
	writeErrorBody(w, statusFor(e), e.Type, e.Code, e.Error())
}

func writeErrorBody(w http.ResponseWriter, status int, typ string, code int, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Type: typ, Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
