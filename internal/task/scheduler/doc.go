// Package scheduler turns absolute instants and recurring specs into tasks on
// the shared task engine.
//
// The scheduler only decides when something runs:
//   - Schedule arms a one-shot Handle that fires at an instant (a negative
//     delay fires immediately)
//   - AddRecurring registers a robfig/cron schedule
//
// Execution, panic isolation and the bounded worker pool live in
// internal/task/engine.
package scheduler
