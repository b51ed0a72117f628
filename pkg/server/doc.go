// Package server serves live ballots over WebSocket.
//
// A Server exposes two upgrade endpoints, one per session role, plus
// /metrics and /healthz:
//
//	srv := server.New(&server.ServerConfig{
//	    Address:   ":8080",
//	    AdminPath: "/admin",
//	})
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Session lifecycle
//
// Each accepted channel is registered with the Hub, which sends the new
// session the current ballot and then broadcasts the tally to everyone.
// Inbound frames are decoded and dispatched by code:
//
//   - vote records the sender's choice and rebroadcasts the tally
//   - setBallot (admin sessions only) publishes a new ballot, which resets
//     the tally, then broadcasts the ballot followed by the empty tally
//   - heartbeat only refreshes the session's activity
//
// Undecodable frames are logged and dropped. When a channel closes, or the
// liveness sweep evicts idle sessions, the tally is rebroadcast once.
//
// # Delivery
//
// Each connection has a bounded outbound queue drained by its own writer
// goroutine. A frame for a full queue is dropped for that recipient only.
// Fan-outs that follow a mutation are serialized by the Hub, so every
// recipient observes ballots and tallies in the order they were produced.
package server
