// Package pluginlist persists the plain-text, one-name-per-line list of
// running plugins: written at shutdown, read at startup. The format is
// flat enough that bufio/os is the whole implementation.
package pluginlist

import (
	"bufio"
	"os"
	"strings"
)

// Load reads names from path, one per line, ignoring blank lines. A
// missing file means no plugins were running last shutdown, not an
// error.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, scanner.Err()
}

// Save writes names to path, one per line, overwriting any prior
// contents.
func Save(path string, names []string) error {
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
