package crdtdoc

import "time"

// defaultNow stamps a Change with the commit-time wall clock in unix
// milliseconds (spec §9, OQ1: timestamps are assigned when a change commits
// locally, not when the edit that produced it started). Two commits in the
// same millisecond get the same timestamp and the wall clock can step
// backwards, so timestamps carry no ordering; lamport clocks do.
func defaultNow() int64 {
	return time.Now().UnixMilli()
}
