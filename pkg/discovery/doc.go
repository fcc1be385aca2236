// Package discovery enumerates candidate peer brokers. The static
// implementation reads a configured list; brokers extend it with peers
// learned from sync partners.
package discovery
