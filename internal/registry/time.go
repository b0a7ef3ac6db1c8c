package registry

import "time"

const timeLayout = time.RFC3339Nano

func parseTimeOrZero(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
