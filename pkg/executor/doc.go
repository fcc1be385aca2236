// Package executor runs dispatched jobs and enforces the
// first-come-first-served result rule: for any job id the first
// recorded result wins and every later submission is rejected. The
// dispatch pump resolves contention between pending jobs with a
// pluggable strategy, defaulting to causal-order selection.
package executor
