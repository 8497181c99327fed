// Package pipeline runs the ranging pipeline: one ingestion goroutine per
// device channel turns notifications into samples in a shared
// ranging.Store, and a single consumer goroutine feeds those samples to a
// Processor on a fixed tick.
//
// Ingestion goroutines never talk to each other. They write to the store and
// push samples onto a bounded queue whose overflow policy is chosen
// explicitly (drop the oldest sample, or block for a bounded time and then
// drop the new one).
//
// Shutdown order: the consumer stops, the processor is finalized while the
// devices are still connected, then every channel is sent STOP and closed.
package pipeline
