package config

import (
	"os"
	"strings"
)

// Hostname returns the local hostname, lowercased and cut at the first
// dot so that a fully qualified name yields a plain DNS label.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	name = strings.ToLower(name)
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}
