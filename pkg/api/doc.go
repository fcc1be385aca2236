// Package api is the HTTP/JSON reference transport. Every request and
// response body is a causal envelope; handlers open the envelope
// (merging the sender's clock) before touching node state and seal
// replies with the local clock and any fleet emergency context.
package api
