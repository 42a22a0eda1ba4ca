// Package scheduler registers named periodic jobs (cron or interval) and
// enqueues them into the task engine when they fire. It never runs jobs
// itself.
package scheduler
