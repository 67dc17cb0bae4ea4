package sqlite

import "time"

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
