package utils

import (
	"net/url"
	"path/filepath"
	"strings"
)

// ConvertFilename percent-encodes the base name of a path for use in a
// media URL.
func ConvertFilename(s string) string {
	out := url.QueryEscape(filepath.Base(s))
	out = strings.ReplaceAll(out, "+", "%20")
	return out
}
