package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var deviceIDRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)-(\d+)$`)

// ParsedDeviceID holds the prefix and sequence number of a device identifier.
type ParsedDeviceID struct {
	Prefix string
	Seq    int
}

// ParseDeviceID splits an identifier of the form PREFIX-### into its parts.
func ParseDeviceID(raw string) (ParsedDeviceID, error) {
	m := deviceIDRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return ParsedDeviceID{}, fmt.Errorf("unable to parse device id: %q", raw)
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return ParsedDeviceID{}, fmt.Errorf("device id %q: %w", raw, err)
	}
	return ParsedDeviceID{Prefix: m[1], Seq: seq}, nil
}

// FormatDeviceID renders a sequence number with at least three digits.
func FormatDeviceID(prefix string, seq int) string {
	return fmt.Sprintf("%s-%03d", prefix, seq)
}

// NextDeviceID returns the identifier following the highest sequence among
// existing ids that carry prefix. Ids with another prefix or an unparseable
// shape are ignored.
func NextDeviceID(prefix string, existing []string) string {
	highest := 0
	for _, id := range existing {
		parsed, err := ParseDeviceID(id)
		if err != nil || parsed.Prefix != prefix {
			continue
		}
		if parsed.Seq > highest {
			highest = parsed.Seq
		}
	}
	return FormatDeviceID(prefix, highest+1)
}
