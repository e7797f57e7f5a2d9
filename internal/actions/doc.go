// Package actions holds the resumable actions bundled with longrunner.
//
// All of them walk an ordered key space and carry their cursor in the first
// continuation argument, so a replayed slice starts exactly where the last
// persisted checkpoint left off.
package actions
