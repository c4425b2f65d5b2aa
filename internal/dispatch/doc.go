// Package dispatch is the business boundary for Courier's incident routing
// system. It defines the Service (fan-out, acknowledgment transitions, status
// aggregation), the Sweeper (stale-dispatch timeout pass), the Store interface
// (persistence), and the domain models.
package dispatch
