// Package live keeps a double-buffered snapshot of the open hour.
//
// The Refresher runs the reliability calculator over the readings of the
// hour in progress, writes the result as a new generation and flips the
// store's pointer to it, then publishes the same generation to the
// in-process Cache with a single atomic store. Readers of the Cache take
// no locks and always observe one complete generation.
package live
