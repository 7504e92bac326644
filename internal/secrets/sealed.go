package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Value holds resolved secret material. It deliberately does not print its
// contents: fmt verbs, %v included, render the redaction marker.
type Value struct {
	s string
}

const redacted = "[redacted]"

func New(s string) Value {
	return Value{s: s}
}

// Resolve expands a sealed handle into its value. Handles are either
// "env:NAME" (read from the environment) or "file:/path" (read from a file
// with the trailing newline trimmed); anything else is taken literally.
func Resolve(raw string) (Value, error) {
	switch {
	case strings.HasPrefix(raw, "env:"):
		name := strings.TrimPrefix(raw, "env:")
		v, ok := os.LookupEnv(name)
		if !ok {
			return Value{}, fmt.Errorf("environment variable %q not set", name)
		}
		return Value{s: v}, nil
	case strings.HasPrefix(raw, "file:"):
		path := strings.TrimPrefix(raw, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return Value{}, fmt.Errorf("reading secret file: %w", err)
		}
		return Value{s: strings.TrimRight(string(data), "\r\n")}, nil
	default:
		return Value{s: raw}, nil
	}
}

// Reveal returns the raw value. Call sites are expected to hand it to the
// consumer (env of a child process, request body) and nothing else.
func (v Value) Reveal() string { return v.s }

func (v Value) Empty() bool { return v.s == "" }

func (v Value) String() string { return redacted }

func (v Value) GoString() string { return redacted }
