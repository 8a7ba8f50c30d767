// Package jsonrpc provides a JSON-RPC 2.0 client over HTTP.
//
// This package implements the client side of the JSON-RPC 2.0 specification
// (https://www.jsonrpc.org/specification) and JSON-RPC over HTTP
// (https://www.simple-is-better.org/json-rpc/transport_http.html).
//
// # Basic Usage
//
// Create a client and call a method with named params:
//
//	c := jsonrpc.NewClient("http://bot:8765/rpc", httpClient)
//
//	type AddParams struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//
//	var sum int
//	err := c.Call(ctx, "math.Add", AddParams{A: 2, B: 3}, &sum)
//
// Positional params are sent by passing a slice instead of a struct.
//
// # Errors
//
// Call distinguishes the ways a call can fail:
//
//	var rpcErr *jsonrpc.Error        // the server returned an error object
//	var statusErr *jsonrpc.StatusError // the HTTP status was not 200
//	var protoErr *jsonrpc.ProtocolError // the reply was not valid JSON-RPC
//	errors.Is(err, jsonrpc.ErrNoResult) // the result was null
//
// Anything else is a transport error from the underlying *http.Client,
// including context cancellation and deadline errors.
//
// # Headers
//
// Per-call headers, such as an Authorization bearer token, are attached with
// WithHeader:
//
//	err := c.Call(ctx, "resolve", params, &out,
//	    jsonrpc.WithHeader("Authorization", "Bearer "+token))
//
// # Request IDs
//
// Each call uses a fresh numeric id. Responses whose id does not match the
// request are rejected. Batches and notifications are not supported.
package jsonrpc
