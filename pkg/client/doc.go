// Package client is the causal HTTP client used for all inter-node
// calls. It seals outgoing payloads into envelopes and merges the
// clocks of successful replies.
package client
