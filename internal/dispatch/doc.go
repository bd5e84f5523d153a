// Package dispatch implements a priority-aware, multi-target message
// dispatch engine. Each configured target owns one worker goroutine that
// drains a set of per-priority queues, paced by a sliding-window rate
// limiter and guarded by a consecutive-failure circuit breaker. Failed
// items are requeued with exponential backoff and priority demotion, and
// may be handed to a different target when the original one is rate
// limited or unhealthy. Background loops keep the system balanced: a
// monitor adapts per-target rate limits and detects stuck workers, a
// rebalancer moves queued work from overloaded to underloaded targets,
// and a reaper evicts items that are too old to be worth sending.
package dispatch
