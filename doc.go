// Package thrall guards a P2P agent node's mailbox. It classifies inbound
// messages with deterministic filters, hotwire rules and a small model
// before they can wake the agent, and executes the configured action:
// drop, wake, reply, compile or log.
//
// Usage:
//
//	guard, err := thrall.New(node) // node implements thrall.Host
//	if err != nil {
//	    return err
//	}
//	defer guard.OnShutdown(ctx)
//
//	// from the node's mail delivery path:
//	guard.OnMailReceived(ctx, msgType, from, to, body, session)
//
//	// from the node's heartbeat:
//	guard.OnTick(ctx, peerCount, health)
//
// The guard owns everything under the host's plugin directory: TOML config
// (scaffolded from embedded defaults on first run), the SQLite journal,
// breaker files and the event log. Operator tooling for the same directory
// lives in cmd/thrall.
package thrall
