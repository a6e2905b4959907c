// Package sim runs groups of in-process oscillators, either in real time
// with one goroutine per agent or in virtual time driven step by step.
package sim
