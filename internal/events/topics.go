package events

// Topics published by the performance components. One constant per event
// kind; payload types live with the publishing package.
const (
	TopicCacheSet    = "cache.set"
	TopicCacheEvict  = "cache.evict"
	TopicCacheExpire = "cache.expire"

	TopicLoadStart    = "lazy.load_start"
	TopicLoadComplete = "lazy.load_complete"
	TopicLoadError    = "lazy.load_error"

	TopicBatchStart    = "batch.start"
	TopicBatchComplete = "batch.complete"
	TopicBatchError    = "batch.error"

	TopicSlowOperation  = "monitor.slow_operation"
	TopicResourceSample = "monitor.resource_sample"

	TopicAllocationGranted  = "resource.allocation_granted"
	TopicAllocationDenied   = "resource.allocation_denied"
	TopicAllocationReleased = "resource.allocation_released"
	TopicWarningThreshold   = "resource.warning_threshold"
	TopicCriticalThreshold  = "resource.critical_threshold"
	TopicRateLimit          = "resource.rate_limit"

	TopicThrottleStateChanged = "throttle.state_changed"
	TopicTimingAnomaly        = "throttle.timing_anomaly"
)

// AllTopics lists every topic the core publishes, in a stable order.
// The event log subscribes to each of them at startup.
func AllTopics() []string {
	return []string{
		TopicCacheSet, TopicCacheEvict, TopicCacheExpire,
		TopicLoadStart, TopicLoadComplete, TopicLoadError,
		TopicBatchStart, TopicBatchComplete, TopicBatchError,
		TopicSlowOperation, TopicResourceSample,
		TopicAllocationGranted, TopicAllocationDenied, TopicAllocationReleased,
		TopicWarningThreshold, TopicCriticalThreshold, TopicRateLimit,
		TopicThrottleStateChanged, TopicTimingAnomaly,
	}
}
