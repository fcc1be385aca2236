// Package log provides the global zerolog-based logger for Lattice.
// Call Init once at startup; use WithComponent and friends to derive
// child loggers carrying structured fields.
package log
