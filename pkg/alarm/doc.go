// Package alarm provides the timer source for the scheduler. A single goroutine keeps a
// min-heap of alarms ordered by fire time and sleeps until the earliest one is due, never
// longer than maxSleepCap so that wall-clock steps and host suspension are noticed.
//
// Alarms are either one-shot (backoff deadlines) or recurring, by fixed interval or by cron
// expression. The clock keeps no state of its own; the scheduler re-arms it from the
// registry after a restart.
package alarm
