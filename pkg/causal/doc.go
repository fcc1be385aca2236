// Package causal implements the message envelope that carries vector
// clocks and emergency context between nodes. Seal on send, Open on
// receive; malformed envelopes are dropped without touching the clock.
package causal
