package cnst

const (
	// RedisClusterTypeSingle is a standalone Redis instance
	RedisClusterTypeSingle = "single"
	// RedisClusterTypeCluster is a Redis cluster deployment
	RedisClusterTypeCluster = "cluster"
	// RedisClusterTypeSentinel is a sentinel-managed deployment
	RedisClusterTypeSentinel = "sentinel"
)

const (
	// CollabBusTopic is the pub/sub channel carrying cross-instance collab traffic
	CollabBusTopic = "collabd:bus"
	// EventStreamName is the Redis stream carrying domain-change events
	EventStreamName = "collabd:events"
	// InstanceRegistrySuffix names the hash holding per-instance presence
	// entries, appended to the configured key prefix.
	InstanceRegistrySuffix = "instances"
)
