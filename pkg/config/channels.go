package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DefaultChannels are always ingested unless channels.skip_defaults is set
var DefaultChannels = []string{
	"CheMed123",
	"lobelia4cosmetics",
	"tikvahpharma",
	"rayapharmaceuticals",
}

// NormalizeChannel turns "@name", "https://t.me/name?x#y" and "t.me/name/" into "name"
func NormalizeChannel(raw string) string {
	ch := strings.TrimSpace(raw)
	if ch == "" {
		return ""
	}
	ch = strings.TrimPrefix(ch, "@")
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(ch, prefix) {
			ch = strings.TrimPrefix(ch, prefix)
			break
		}
	}
	if i := strings.IndexAny(ch, "?#"); i >= 0 {
		ch = ch[:i]
	}
	return strings.Trim(ch, "/")
}

// ReadChannelsFile reads one channel per line, skipping blanks and # comments.
// A missing file yields no channels and no error.
func ReadChannelsFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open channels file: %w", err)
	}
	defer f.Close()

	var channels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		channels = append(channels, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read channels file: %w", err)
	}
	return channels, nil
}

// ResolveChannels merges defaults, the configured list and the channels file,
// normalizes every entry and dedupes keeping first-seen order.
func (c *Config) ResolveChannels() ([]string, error) {
	var raw []string
	if !c.Channels.SkipDefaults {
		raw = append(raw, DefaultChannels...)
	}
	raw = append(raw, c.Channels.List...)

	fromFile, err := ReadChannelsFile(c.Channels.File)
	if err != nil {
		return nil, err
	}
	raw = append(raw, fromFile...)

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, ch := range raw {
		name := NormalizeChannel(ch)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}
