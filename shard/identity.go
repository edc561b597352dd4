package shard

import (
	"os"

	"github.com/google/uuid"
)

// NewInstanceID builds a membership id for this process. The hostname
// prefix keeps ids readable in the membership set and the uuid suffix
// keeps replicas on one host distinct.
func NewInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "relay"
	}

	return hostname + "-" + uuid.NewString()
}
