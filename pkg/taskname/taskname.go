package taskname

const (
	// Dispatch sweeps and single event processing
	DispatchProcessSingle = "dispatch:process_single"
	DispatchProcessBatch  = "dispatch:process_batch"
	DispatchRetryFailed   = "dispatch:retry_failed"
	DispatchRecoverStale  = "dispatch:recover_stale"

	// Async execution mode of a single effect
	EffectProcess = "effect:process"

	// Notification fan-out, one task per recipient
	NotificationSend = "notification:send"
)

// Queues consumed by the worker, with their asynq priorities.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
