package utils

import (
	"fmt"
	"strings"
	"time"
)

// DateFormat is the calendar-day layout used throughout the engine.
const DateFormat = "2006-01-02"

// ValidateDate takes a date string as input and returns a boolean indicating
// whether the input is a valid calendar day in 2006-01-02 form.
func ValidateDate(date string) bool {
	parsed, err := time.Parse(DateFormat, date)
	return err == nil && parsed.Format(DateFormat) == date
}

// PreviousDay returns the calendar day before the given instant in the given
// location, formatted as 2006-01-02.
func PreviousDay(now time.Time, loc *time.Location) string {
	return now.In(loc).AddDate(0, 0, -1).Format(DateFormat)
}

func PrintError(message string) {
	message = "ERROR: " + message
	bannerChar := "="
	bannerLength := len(message) + 4
	bannerLine := strings.Repeat(bannerChar, bannerLength)

	fmt.Println(bannerLine)
	fmt.Printf("%s %s %s\n", bannerChar, message, bannerChar)
	fmt.Println(bannerLine)
	fmt.Println()
}
