// Package emergency holds the keyword classifier, the priority scoring
// table, and the sync-time resolution rule for fleet emergency contexts.
package emergency
