// Package utils provides utility functions for the backup service.
package utils

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResolveName substitutes the date and time placeholders in a target name.
//
// Recognised tokens are {year}, {month}, {day}, {hour}, {minute} and
// {second}. All but the year are zero-padded to two digits. The timestamp is
// converted to UTC.
func ResolveName(template string, timestamp time.Time) string {
	t := timestamp.UTC()

	replacer := strings.NewReplacer(
		"{year}", strconv.Itoa(t.Year()),
		"{month}", fmt.Sprintf("%02d", int(t.Month())),
		"{day}", fmt.Sprintf("%02d", t.Day()),
		"{hour}", fmt.Sprintf("%02d", t.Hour()),
		"{minute}", fmt.Sprintf("%02d", t.Minute()),
		"{second}", fmt.Sprintf("%02d", t.Second()),
	)

	return replacer.Replace(template)
}

// TempPath returns a unique, not yet created path inside dir.
// The file name is 32 random alphanumeric characters.
func TempPath(dir string) string {
	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	return filepath.Join(dir, name)
}
