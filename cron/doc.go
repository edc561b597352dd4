// Package cron parses standard 5-field cron expressions and runs
// scheduled jobs.
//
// Expressions support wildcards, ranges, steps, and lists across minute,
// hour, day-of-month, month, and day-of-week fields. All schedule math is
// done in UTC.
package cron
