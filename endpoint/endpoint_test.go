package endpoint

import (
	"errors"
	"html/template"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type headerPreprocessor struct {
	Key   string
	Value string
}

func (hp headerPreprocessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if hp.Key != "" {
		w.Header().Set(hp.Key, hp.Value)
	}
	return next(w, r)
}

func TestHandler_PreprocessorsThenRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/?name=world", nil)

	h := Handler(func(_ http.ResponseWriter, r *http.Request, params struct {
		Name string `query:"name"`
	}) (Renderer, error) {
		return &StringRenderer{Body: "hello " + strings.ToUpper(params.Name)}, nil
	}, headerPreprocessor{Key: "X-Test", Value: "1"})

	h.ServeHTTP(rec, req)

	resp := rec.Result()
	if got := resp.Header.Get("X-Test"); got != "1" {
		t.Fatalf("expected X-Test header %q, got %q", "1", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Fatalf("expected Content-Type %q, got %q", "text/plain; charset=utf-8", got)
	}
	if got := rec.Body.String(); got != "hello WORLD" {
		t.Fatalf("expected body %q, got %q", "hello WORLD", got)
	}
}

func TestHandler_ProcessorShortCircuits(t *testing.T) {
	called := false
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		called = true
		return &StringRenderer{Body: "ok"}, nil
	}, ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		return Error(http.StatusForbidden, "nope", nil)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if called {
		t.Fatal("endpoint should not run after processor error")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "nope" {
		t.Fatalf("expected body %q, got %q", "nope", got)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"endpoint error", Error(http.StatusBadRequest, "bad input", errors.New("detail")), http.StatusBadRequest, "bad input"},
		{"endpoint error without message", Error(http.StatusNotFound, "", nil), http.StatusNotFound, "Not Found"},
		{"raw error hides detail", errors.New("upstream said secret"), http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				return nil, tt.err
			})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}

func TestError_AvoidsDoubleWrap(t *testing.T) {
	inner := Error(http.StatusTeapot, "short and stout", nil)
	outer := Error(http.StatusInternalServerError, "wrapped", inner)
	var ee *EndpointError
	if !errors.As(outer, &ee) || ee.Status != http.StatusTeapot {
		t.Fatalf("expected inner error to be kept, got %v", outer)
	}
}

func TestHandler_NilEndpoint_Is500(t *testing.T) {
	rec := httptest.NewRecorder()
	h := EndpointHandler[struct{}]{Endpoint: nil}
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestHandler_NilRenderer_Is500(t *testing.T) {
	rec := httptest.NewRecorder()
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, nil
	})
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestHandler_EndpointSetsCookieBeforeRender(t *testing.T) {
	h := HandleFunc(func(w http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		http.SetCookie(w, &http.Cookie{Name: "a", Value: "1", Path: "/"})
		return &RedirectRenderer{URL: "https://example.com/next", Status: http.StatusFound}, nil
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	resp := rec.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected status %d, got %d", http.StatusFound, resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "https://example.com/next" {
		t.Fatalf("expected Location %q, got %q", "https://example.com/next", got)
	}
	if cookies := resp.Cookies(); len(cookies) != 1 || cookies[0].Value != "1" {
		t.Fatalf("expected cookie a=1, got %v", cookies)
	}
}

func TestRedirectRenderer_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rr := &RedirectRenderer{URL: "/elsewhere"}
	if err := rr.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected status %d, got %d", http.StatusTemporaryRedirect, rec.Code)
	}
}

func TestHTMLTemplateRenderer(t *testing.T) {
	tmpl := template.Must(template.New("base").Parse(`<p>{{.}}</p>{{define "other"}}<b>{{.}}</b>{{end}}`))

	tests := []struct {
		name     string
		renderer *HTMLTemplateRenderer
		want     string
	}{
		{"default template escapes", &HTMLTemplateRenderer{Template: tmpl, Values: "<x>"}, "<p>&lt;x&gt;</p>"},
		{"named template", &HTMLTemplateRenderer{Template: tmpl, Name: "other", Values: "ok"}, "<b>ok</b>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if err := tt.renderer.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
				t.Fatal(err)
			}
			if got := rec.Header().Get("Content-Type"); got != "text/html; charset=utf-8" {
				t.Errorf("Content-Type = %q", got)
			}
			if got := rec.Body.String(); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTMLTemplateRenderer_ExecErrorDoesNotCommit(t *testing.T) {
	tmpl := template.Must(template.New("base").Parse(`{{.Missing.Field}}`))
	rec := httptest.NewRecorder()
	err := (&HTMLTemplateRenderer{Template: tmpl, Values: 42}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if err == nil {
		t.Fatal("expected template execution error")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected nothing written, got %q", rec.Body.String())
	}
}
