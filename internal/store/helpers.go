package store

import "time"

// nullStr converts *string to a driver-friendly value.
func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// nullTime converts *time.Time to a driver-friendly UTC value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
