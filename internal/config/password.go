package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ReadPasswordFile reads an MQTT password from a file. The path "-" reads
// from stdin instead, prompting when stdin is a terminal. Exactly one
// trailing newline ("\r\n" or "\n") is stripped; any further whitespace is
// part of the password.
func ReadPasswordFile(path string) (string, error) {
	if path == "-" {
		return readPasswordStdin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot read password file: %w", err)
	}
	return stripTrailingNewline(string(data)), nil
}

func readPasswordStdin() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "MQTT password: ")
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("cannot read password: %w", err)
		}
		return string(secret), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("cannot read password from stdin: %w", err)
	}
	return stripTrailingNewline(string(data)), nil
}

func stripTrailingNewline(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	if strings.HasSuffix(s, "\n") {
		return s[:len(s)-1]
	}
	return s
}
