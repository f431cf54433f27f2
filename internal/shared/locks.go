package shared

import "fmt"

// DayCloseLockKey builds the redis key guarding the day-close critical section.
func DayCloseLockKey(date string) string {
	return fmt.Sprintf("dayclose:%s:lock", date)
}
