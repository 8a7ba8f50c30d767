package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
)

// Error codes reserved by JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	codeServerErrorMin = -32099
	codeServerErrorMax = -32000
)

// CodeName names an error code for logs. Codes outside the reserved range
// are "application".
func CodeName(code int) string {
	switch {
	case code == CodeParseError:
		return "parse_error"
	case code == CodeInvalidRequest:
		return "invalid_request"
	case code == CodeMethodNotFound:
		return "method_not_found"
	case code == CodeInvalidParams:
		return "invalid_params"
	case code == CodeInternalError:
		return "internal_error"
	case code >= codeServerErrorMin && code <= codeServerErrorMax:
		return "server_error"
	}
	return "application"
}

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// ErrNoResult is returned by Call when the response has neither an error nor
// a non-null result.
var ErrNoResult = errors.New("jsonrpc: empty result")

// Error is a JSON-RPC error object returned by the server.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return "jsonrpc: " + strconv.Itoa(e.Code) + ": " + e.Message
}

// StatusError reports a non-200 HTTP response.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jsonrpc: unexpected http status %d", e.Status)
}

// ProtocolError reports a response that is not a valid JSON-RPC 2.0 reply to
// the request that was sent.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "jsonrpc: " + e.Reason + ": " + e.Err.Error()
	}
	return "jsonrpc: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// Client calls methods on a JSON-RPC 2.0 server over HTTP POST.
// It is safe for concurrent use.
type Client struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// NewClient creates a Client for the endpoint at url. httpClient is owned by
// the caller; nil selects http.DefaultClient.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: url, httpClient: httpClient}
}

// CallOption customises a single call.
type CallOption func(*http.Request)

// WithHeader sets a request header on the call.
func WithHeader(key, value string) CallOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// Call invokes method with params (encoded as a JSON object or array) and
// decodes the result into result, which may be nil to discard it.
//
// Errors are *Error for a server-reported error, *StatusError for a non-200
// HTTP status, *ProtocolError for a malformed reply, ErrNoResult for a null
// result, or the transport error from the HTTP client.
func (c *Client) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	id := c.nextID.Add(1)
	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return fmt.Errorf("jsonrpc: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return &StatusError{Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return err
	}
	if len(data) > maxResponseBytes {
		return &ProtocolError{Reason: "response too large"}
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return &ProtocolError{Reason: "parse error", Err: err}
	}
	if r.JSONRPC != "2.0" {
		return &ProtocolError{Reason: "invalid version"}
	}
	if r.Error != nil {
		return r.Error
	}
	// Servers echo the id verbatim; a null id only accompanies errors.
	var gotID uint64
	if err := json.Unmarshal(r.ID, &gotID); err != nil || gotID != id {
		return &ProtocolError{Reason: "response id does not match request"}
	}
	if len(r.Result) == 0 || bytes.Equal(r.Result, []byte("null")) {
		return ErrNoResult
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return &ProtocolError{Reason: "invalid result", Err: err}
	}
	return nil
}
