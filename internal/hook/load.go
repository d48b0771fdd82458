package hook

import (
	"fmt"
	"os"
	"time"
)

// Load reads a hook's source from an inline script or a file (exactly one
// must be given; setting both is an error) and parses its timeout,
// defaulting to DefaultTimeout on an empty value. An unparsable timeout is
// an error.
func Load(script, file, timeout string) (*Hook, error) {
	if script != "" && file != "" {
		return nil, fmt.Errorf("hook: both script and file set, expected exactly one")
	}
	source := script
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read hook file %s: %w", file, err)
		}
		source = string(raw)
	}
	if source == "" {
		return nil, fmt.Errorf("hook: no script or file configured")
	}

	d := DefaultTimeout
	if timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("hook: invalid timeout %q: %w", timeout, err)
		}
		d = parsed
	}
	return New(source, d), nil
}
