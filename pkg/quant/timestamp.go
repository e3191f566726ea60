package quant

import "time"

// TimeStamp represents Unix Microseconds.
type TimeStamp int64

// FromTime converts a wall-clock time to TimeStamp.
func FromTime(t time.Time) TimeStamp {
	return TimeStamp(t.UnixMicro())
}

// Time converts back to a UTC time.Time.
func (ts TimeStamp) Time() time.Time {
	return time.UnixMicro(int64(ts)).UTC()
}
