package postgres

import "time"

// clockNowMillis returns the current time in Matrix's standard millisecond
// epoch. Isolated to its own tiny function so insertion timestamps have one
// call site to mock from tests.
func clockNowMillis() int64 {
	return time.Now().UnixMilli()
}
