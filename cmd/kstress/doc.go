// Command kstress hammers the blocking primitives and the process table and
// prints latency statistics.
//
// Workloads, run concurrently:
//   - lock: contended synch.Lock acquisitions
//   - cond: producer/consumer over a bounded buffer with two condition variables
//   - spawn: a kernel whose init spawns and joins generations of children
//
// Any violated invariant (overlapping lock holders, lost or duplicated items,
// wrong exit status, leaked pages) makes the command exit 1.
package main
