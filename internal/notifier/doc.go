// Package notifier delivers operator alerts and publish-complete events.
//
// Callers never wait on delivery: Alert and Published enqueue and return.
// Workers drain the queue through a shared token-bucket limiter, retry with
// jittered backoff and fan each message out to every configured Sink (log,
// Telegram). Identical messages inside the dedup window are suppressed; the
// window survives restarts when PersistDedup is set and a store is wired.
//
// # History
//
// A small in-memory history of delivered messages is kept for inspection.
package notifier
