// Package shard derives which outbox partitions a process instance
// currently owns from a shared heartbeat-scored membership set.
//
// There is no leader and no lock: every live instance sorts the same
// membership snapshot and takes the shard indices that land on its
// position, so all instances converge on the same disjoint assignment
// without a consensus round. Brief double-ownership during membership
// churn is tolerated because the outbox relay is idempotent under
// duplicate publishes.
package shard
