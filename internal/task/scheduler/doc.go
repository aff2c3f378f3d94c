// Package scheduler drives publication discovery.
//
// It owns two cron triggers: the discovery tick, which finds due schedules
// and hands each one to the execution queue, and the daily boundary job,
// which resets per-account counters and reopens quota failures. Execution
// itself happens in internal/task/engine.
package scheduler
