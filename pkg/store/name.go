package store

import (
	"regexp"
	"strings"
)

var unsafeName = regexp.MustCompile(`[\\/:*?"<>|]`)

// SanitizeName turns a document title into a name usable as a key segment and as a
// file name on common filesystems.
func SanitizeName(title string) string {
	return strings.TrimSpace(unsafeName.ReplaceAllString(title, "_"))
}
