package helper

import "time"

func GetTimestamp() int64 {
	return time.Now().Unix()
}

func GetTimeString() string {
	now := time.Now()
	return now.Format("20060102150405") + now.Format(".000000000")[1:]
}

// UpstreamTimestamp renders the wall clock the way the Amazon Q context
// preamble expects, e.g. "Friday, 2025-11-07T21:16:01.724+08:00".
func UpstreamTimestamp(t time.Time) string {
	return t.Weekday().String() + ", " + t.Format("2006-01-02T15:04:05.000-07:00")
}
