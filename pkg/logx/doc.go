// Package logx is the publisher's structured logging: a thin value-type
// Logger over zerolog, a Service that swaps sinks and level on config
// reload, and shared field helpers (Collection, Cohort, Host, User) so a
// collection can be traced through every component by the same keys.
package logx
