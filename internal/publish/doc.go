// Package publish moves scheduled collections from the encrypted workspace to
// the published tree at their publish instant.
//
// Each collection is armed once, at publishDate minus the lead time. When
// that trigger fires the pre-publisher gathers every collection sharing the
// exact publish millisecond into a cohort, demoting unapproved ones to manual
// and skipping those whose key is missing, and arms one publish job at the
// publish instant. The publisher runs every member concurrently on its own
// goroutine, rolls back failed transactions and persists each attempt. Only
// after every member returned, or the cohort deadline passed, does the
// post-publisher announce and verify the successes.
package publish
