// Package scheduler triggers recurring jobs (cron, interval, daily) and hands
// them to the task engine. It never runs job bodies itself.
//
// The sequences service registers two schedules here: one that queues due
// auto-resume sequences and one that purges expired records.
package scheduler
