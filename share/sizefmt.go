package tnshare

import "github.com/jpillora/sizestr"

// ByteSize formats a byte count for log output (e.g. "1.2MB"), the same way
// the teacher's HandleTCPStream reports bytes transferred per connection.
func ByteSize(n int64) string {
	return sizestr.ToString(n)
}
