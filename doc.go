// Package relay is the reliable event-delivery backbone: sharded snowflake
// identifiers, heartbeat-based shard ownership, a transactional outbox with
// immediate and sweep-based publishing, fail-fast event dispatch on the
// consumer side, and durable dead-letter capture.
//
// The root package holds the App/Launcher lifecycle glue used by the
// composition root to run the background loops with explicit shutdown
// ordering.
package relay
