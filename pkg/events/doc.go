// Package events provides the in-process pub/sub broker for node-local
// events (job lifecycle, peer state changes, emergencies). Events carry
// the vector clock snapshot taken when they occurred.
package events
