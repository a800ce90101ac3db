package version

import (
	"strings"

	_ "embed"
)

//go:embed VERSION
var raw string

// Get returns the collabd release version embedded at build time
func Get() string {
	return strings.TrimSpace(raw)
}
