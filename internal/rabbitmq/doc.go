// Package rabbitmq is the AMQP 0-9-1 client layer of the harness.
//
// This package includes:
//   - ConnectionManager: owns the single broker session and its state
//   - Channel: a single-owner session multiplexed over the connection
//   - TopologyManager: declares exchanges, queues and bindings as one unit
//   - Publisher: batch publishing with message indexes and optional confirms
//   - Consumer: the per-subscriber receive/decode/acknowledge loop
//
// A Channel is never shared between goroutines. Code that needs several
// concurrent producers or consumers opens one Channel per owner from the
// same ConnectionManager.
//
// Nothing in this package retries. Every blocking call either succeeds or
// returns a typed error (see errors.go) that the owner logs and acts on.
package rabbitmq
