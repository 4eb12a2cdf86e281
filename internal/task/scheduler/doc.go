// Package scheduler triggers periodic maintenance jobs (cron or interval).
//
// Jobs run on the cron goroutine under a per-job timeout. A trigger that
// fires while the previous run of the same job is still going is skipped.
package scheduler
