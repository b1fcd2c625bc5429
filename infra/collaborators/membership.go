package collaborators

import "context"

// PartitionStatus is the coarse network-health classification ClusterBridge
// uses to decide whether to keep replicating.
type PartitionStatus string

const (
	PartitionHealthy     PartitionStatus = "healthy"
	PartitionDegraded    PartitionStatus = "degraded"
	PartitionPartitioned PartitionStatus = "partitioned"
)

// MembershipProvider supplies cluster topology and quorum health to
// ClusterBridge (§4.11, §6). See infra/membership for the concrete
// consul/serf-backed implementation.
type MembershipProvider interface {
	Peers(ctx context.Context) ([]string, error)
	HealthScore(ctx context.Context, nodeID string) (float64, error)
	PartitionStatus(ctx context.Context) (PartitionStatus, error)
}
