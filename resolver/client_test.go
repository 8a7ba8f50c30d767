package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/mnehpets/linkedrole/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "resolver-secret-0123456789abcdefgh"

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

// fakeResolver replies with the given result JSON and records the last call.
type fakeResolver struct {
	t      *testing.T
	result string
	auth   string
	last   rpcCall
	delay  time.Duration
	// bare omits the Content-Type header.
	bare bool
}

func (f *fakeResolver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.auth = r.Header.Get("Authorization")
	if err := json.NewDecoder(r.Body).Decode(&f.last); err != nil {
		f.t.Errorf("decode: %v", err)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
	}
	if !f.bare {
		w.Header().Set("Content-Type", "application/json")
	}
	io.WriteString(w, `{"jsonrpc":"2.0","result":`+f.result+`,"id":`+string(f.last.ID)+`}`)
}

func newFake(t *testing.T, result string) (*fakeResolver, *httptest.Server) {
	f := &fakeResolver{t: t, result: result}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func testRequest() Request {
	return Request{
		UserID:      "42",
		User:        json.RawMessage(`{"user":{"id":"42"}}`),
		Connections: json.RawMessage(`[]`),
		Guilds:      json.RawMessage(`[{"id":"g1"}]`),
		UserAgent:   "Mozilla/5.0",
		RemoteAddr:  "203.0.113.9",
	}
}

func TestResolve_SendsParamsAndSignedToken(t *testing.T) {
	f, srv := newFake(t, `{"user":{"id":"42"},"member":{"roles":[]},"metadata":{"steameligibility":"1"}}`)
	c, err := NewClient(srv.URL, testSecret, time.Second, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	v, err := c.Resolve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.User == nil || v.User.ID != "42" || !v.Member || v.Exception != "" || v.Metadata["steameligibility"] != "1" {
		t.Fatalf("unexpected verdict: %+v", v)
	}

	if f.last.Method != Method {
		t.Errorf("method = %q", f.last.Method)
	}
	var p map[string]json.RawMessage
	if err := json.Unmarshal(f.last.Params, &p); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"user_data":   `{"user":{"id":"42"}}`,
		"connections": `[]`,
		"guilds":      `[{"id":"g1"}]`,
		"user_agent":  `"Mozilla/5.0"`,
		"remote_addr": `"203.0.113.9"`,
	}
	for k, v := range want {
		if string(p[k]) != v {
			t.Errorf("param %s = %s, want %s", k, p[k], v)
		}
	}

	raw, ok := strings.CutPrefix(f.auth, "Bearer ")
	if !ok {
		t.Fatalf("Authorization = %q", f.auth)
	}
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		t.Fatalf("ParseSigned: %v", err)
	}
	var claims jwt.Claims
	if err := tok.Claims([]byte(testSecret), &claims); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if err := claims.Validate(jwt.Expected{
		Issuer:      Issuer,
		Subject:     "42",
		AnyAudience: jwt.Audience{Audience},
		Time:        time.Now(),
	}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Expiry.Time().Sub(claims.IssuedAt.Time()) != tokenLifetime {
		t.Errorf("token lifetime = %s", claims.Expiry.Time().Sub(claims.IssuedAt.Time()))
	}
	if err := tok.Claims([]byte("some-other-secret-0123456789abcdef"), &claims); err == nil {
		t.Error("token verified with the wrong key")
	}
}

func TestResolve_Defaults(t *testing.T) {
	f, srv := newFake(t, `{"user":{"id":"42"}}`)
	c, err := NewClient(srv.URL, "", 0, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if c.timeout != DefaultTimeout {
		t.Errorf("timeout = %s", c.timeout)
	}

	if _, err := c.Resolve(context.Background(), Request{UserID: "42"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.auth != "" {
		t.Errorf("no Authorization expected without a secret, got %q", f.auth)
	}
	var p map[string]json.RawMessage
	json.Unmarshal(f.last.Params, &p)
	for k, want := range map[string]string{
		"user_agent":  `"None"`,
		"remote_addr": `null`,
		"user_data":   `null`,
		"connections": `null`,
		"guilds":      `null`,
	} {
		if string(p[k]) != want {
			t.Errorf("param %s = %s, want %s", k, p[k], want)
		}
	}
}

func TestResolve_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.Handler
	}{
		{"null result", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var c rpcCall
			json.NewDecoder(r.Body).Decode(&c)
			io.WriteString(w, `{"jsonrpc":"2.0","result":null,"id":`+string(c.ID)+`}`)
		})},
		{"rpc error", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var c rpcCall
			json.NewDecoder(r.Body).Decode(&c)
			io.WriteString(w, `{"jsonrpc":"2.0","error":{"code":-32603,"message":"boom"},"id":`+string(c.ID)+`}`)
		})},
		{"http error", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})},
		{"malformed metadata", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var c rpcCall
			json.NewDecoder(r.Body).Decode(&c)
			io.WriteString(w, `{"jsonrpc":"2.0","result":{"metadata":{"a":{"b":1}}},"id":`+string(c.ID)+`}`)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c, _ := NewClient(srv.URL, "", time.Second, srv.Client())
			_, err := c.Resolve(context.Background(), testRequest())
			var ue *UnavailableError
			if !errors.As(err, &ue) {
				t.Fatalf("expected UnavailableError, got %v", err)
			}
		})
	}
}

func TestResolve_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := NewClient(url, "", time.Second, nil)
	_, err := c.Resolve(context.Background(), testRequest())
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
}

func TestResolve_Timeout(t *testing.T) {
	f, srv := newFake(t, `{"user":{"id":"42"}}`)
	f.delay = 5 * time.Second
	m := metrics.New()
	c, _ := NewClient(srv.URL, "", 50*time.Millisecond, srv.Client(), WithMetrics(m))

	start := time.Now()
	_, err := c.Resolve(context.Background(), testRequest())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Resolve took %s, timeout not applied", elapsed)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout UnavailableError, got %v", err)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if want := `linkedrole_upstream_requests_total{outcome="error",resource="resolver"} 1`; !strings.Contains(rec.Body.String(), want) {
		t.Errorf("missing %s in metrics output", want)
	}
}

func TestVerdict_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Verdict
	}{
		{"all present", `{"user":{"id":"7"},"member":{"x":1},"exception":"banned","metadata":{"a":"1"}}`,
			Verdict{User: &User{ID: "7"}, Member: true, Exception: "banned"}},
		{"numeric id", `{"user":{"id":12345678901234567}}`, Verdict{User: &User{ID: "12345678901234567"}}},
		{"user without id", `{"user":{"name":"x"}}`, Verdict{User: &User{}}},
		{"empty user", `{"user":{}}`, Verdict{}},
		{"null everything", `{"user":null,"member":null,"exception":null,"metadata":null}`, Verdict{}},
		{"falsy member", `{"member":false}`, Verdict{}},
		{"zero member", `{"member":0}`, Verdict{}},
		{"empty list member", `{"member":[]}`, Verdict{}},
		{"true member", `{"member":true}`, Verdict{Member: true}},
		{"empty exception", `{"exception":""}`, Verdict{}},
		{"non-string exception", `{"exception":{"code":3}}`, Verdict{Exception: `{"code":3}`}},
		{"empty metadata", `{"metadata":{}}`, Verdict{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Verdict
			if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if (v.User == nil) != (tt.want.User == nil) || (v.User != nil && v.User.ID != tt.want.User.ID) {
				t.Errorf("User = %+v, want %+v", v.User, tt.want.User)
			}
			if v.Member != tt.want.Member || v.Exception != tt.want.Exception {
				t.Errorf("got member=%t exception=%q, want %t %q", v.Member, v.Exception, tt.want.Member, tt.want.Exception)
			}
		})
	}

	var v Verdict
	if err := json.Unmarshal([]byte(`{"metadata":{"a":"1","b":true}}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.Metadata["a"] != "1" || v.Metadata["b"] != "1" {
		t.Errorf("metadata = %v", v.Metadata)
	}
	v = Verdict{}
	if err := json.Unmarshal([]byte(`{"metadata":{"a":null}}`), &v); err != nil {
		t.Fatal(err)
	}
	if got, ok := v.Metadata["a"]; !ok || got != "" {
		t.Errorf("null metadata value dropped: %v", v.Metadata)
	}
	if err := json.Unmarshal([]byte(`{"user":{"id":"x","bad":}`), &v); err == nil {
		t.Error("expected syntax error")
	}
}

func TestResolve_VerdictWithoutContentType(t *testing.T) {
	f, srv := newFake(t, `{"user":{"id":"1"},"member":true,"metadata":{"a":"1"}}`)
	f.bare = true
	c, err := NewClient(srv.URL, testSecret, time.Second, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	v, err := c.Resolve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.User == nil || v.User.ID != "1" || !v.Member || v.Metadata["a"] != "1" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestResolve_LogsServerErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		json.NewDecoder(r.Body).Decode(&call)
		io.WriteString(w, `{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":`+string(call.ID)+`}`)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	c, err := NewClient(srv.URL, testSecret, time.Second, srv.Client(), WithLogger(zap.New(core)))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Resolve(context.Background(), testRequest())
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}

	entries := logs.FilterMessage("resolver call failed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["rpc_error"] != "method_not_found" || fields["rpc_code"] != int64(-32601) || fields["user_id"] != "42" {
		t.Errorf("unexpected fields: %v", fields)
	}
}
