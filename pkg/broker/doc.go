// Package broker implements the dispatch side of the fabric: job
// intake with emergency classification and priority scoring, a bounded
// totally-ordered queue, executor selection, and the periodic peer
// metadata sync that keeps broker views convergent without consensus.
package broker
