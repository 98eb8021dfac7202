// Package api exposes the generation engine over HTTP: token-in, token-out.
// Tokenization lives with the caller; the server never sees text.
package api

import (
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
)

// Generator is the slice of the model the server needs.
type Generator interface {
	Generate(prompt []int, opts model.GenerateOptions) ([]int, error)
	NumParams(nonEmbedding bool) int
	Config() model.Config
}

type Server struct {
	gen     Generator
	log     logger.Logger
	limiter *rate.Limiter
}

// NewServer wraps a generator. rps bounds request throughput; zero disables
// limiting.
func NewServer(gen Generator, log logger.Logger, rps float64, burst int) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{gen: gen, log: log}
	if rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/model", s.handleModelInfo)
}

type GenerateRequest struct {
	Prompt       []int   `json:"prompt"`
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	TopK         int     `json:"top_k"`
	Seed         uint64  `json:"seed"`
}

type GenerateResponse struct {
	ID     string `json:"id"`
	Tokens []int  `json:"tokens"`
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
	if len(req.Prompt) == 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "prompt is required and must not be empty")
	}
	if req.MaxNewTokens <= 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "max_new_tokens must be positive")
	}

	id := "gen-" + uuid.NewString()
	tokens, err := s.gen.Generate(req.Prompt, model.GenerateOptions{
		MaxNewTokens: req.MaxNewTokens,
		Temperature:  req.Temperature,
		TopK:         req.TopK,
		Seed:         req.Seed,
	})
	if err != nil {
		s.log.Error("generation failed", "id", id, "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	s.log.Info("generated", "id", id, "prompt_tokens", len(req.Prompt), "new_tokens", len(tokens)-len(req.Prompt))
	return c.JSON(http.StatusOK, GenerateResponse{ID: id, Tokens: tokens})
}

func (s *Server) handleModelInfo(c *echo.Context) error {
	cfg := s.gen.Config()
	return c.JSON(http.StatusOK, map[string]any{
		"n_layer":    cfg.NLayer,
		"n_head":     cfg.NHead,
		"n_embd":     cfg.NEmbd,
		"block_size": cfg.BlockSize,
		"vocab_size": cfg.VocabSize,
		"params":     s.gen.NumParams(false),
	})
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": msg,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	body, err := io.ReadAll(r)
	if err != nil {
		return v, fmt.Errorf("read request body: %w", err)
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("decode request body: %w", err)
	}
	return v, nil
}
