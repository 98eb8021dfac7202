package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/model"
)

type stubGenerator struct {
	err error
}

func (g stubGenerator) Generate(prompt []int, opts model.GenerateOptions) ([]int, error) {
	if g.err != nil {
		return nil, g.err
	}
	out := append([]int(nil), prompt...)
	for i := 0; i < opts.MaxNewTokens; i++ {
		out = append(out, 7)
	}
	return out, nil
}

func (g stubGenerator) NumParams(bool) int { return 1234 }

func (g stubGenerator) Config() model.Config {
	cfg := model.DefaultConfig()
	cfg.VocabSize = 50
	cfg.NEmbd = 8
	cfg.NHead = 2
	cfg.NLayer = 2
	cfg.BlockSize = 16
	return *cfg
}

func newTestEcho(rps float64, burst int) *echo.Echo {
	e := echo.New()
	NewServer(stubGenerator{}, nil, rps, burst).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGenerateEndpoint(t *testing.T) {
	e := newTestEcho(0, 0)
	rec := doJSON(t, e, http.MethodPost, "/v1/generate",
		`{"prompt": [1, 2, 3], "max_new_tokens": 2, "top_k": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tokens) != 5 {
		t.Fatalf("expected 5 tokens, got %v", resp.Tokens)
	}
	if !strings.HasPrefix(resp.ID, "gen-") {
		t.Fatalf("unexpected id %q", resp.ID)
	}
}

func TestGenerateValidation(t *testing.T) {
	e := newTestEcho(0, 0)
	cases := []struct {
		name string
		body string
	}{
		{"empty prompt", `{"prompt": [], "max_new_tokens": 2}`},
		{"missing max tokens", `{"prompt": [1]}`},
		{"malformed json", `{"prompt": [1,`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/generate", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestRateLimiting(t *testing.T) {
	e := newTestEcho(0.001, 1)
	body := `{"prompt": [1], "max_new_tokens": 1}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/generate", body); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodPost, "/v1/generate", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestModelInfo(t *testing.T) {
	e := newTestEcho(0, 0)
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var info map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if info["params"].(float64) != 1234 {
		t.Fatalf("params = %v", info["params"])
	}
}
