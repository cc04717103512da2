package pit

import (
	"encoding/binary"
	"regexp"
	"strconv"
	"strings"
)

// Heuristic scan bounds. Candidate names are zero-terminated ASCII tokens;
// a bounded window around each first occurrence is searched for a
// plausible little-endian size value.
const (
	minTokenLen = 3
	maxTokenLen = 32

	sizeWindowBefore = 64
	sizeWindowAfter  = 256

	// minPlausibleSize is the smallest value accepted as a partition
	// size. The upper bound of the plausible range, 0x1_0000_0000, is
	// implicit in the 32-bit field width.
	minPlausibleSize = 0x1000
)

var (
	tokenPattern = regexp.MustCompile(`([A-Za-z0-9_\-]{3,32})\x00`)

	namePattern = regexp.MustCompile(`Name:\s*['"]?([A-Za-z0-9_\-]+)['"]?`)
	sizePattern = regexp.MustCompile(`Size:\s*(?:0x)?([0-9A-Fa-f]+)`)
	idPattern   = regexp.MustCompile(`(?:Identifier|Id|ID):\s*([0-9]+)`)
)

// noiseTokens are structural strings that occur inside a PIT but never
// name a partition.
var noiseTokens = map[string]struct{}{
	"pit":        {},
	"samsung":    {},
	"android":    {},
	"partition":  {},
	"table":      {},
	"header":     {},
	"bootloader": {},
	"odinfw":     {},
}

// ParseToolOutput parses the textual print-pit output of the external
// tool. A line containing "Partition #" or "Entry #" flushes any
// in-progress record and starts a new one; Name, Size and Identifier
// fields are matched independently on subsequent lines. A record with no
// name is discarded.
func ParseToolOutput(text string) []Partition {
	var parts []Partition

	cur := NewPartition("")
	flush := func() {
		if cur.Name != "" {
			parts = append(parts, cur)
		}
		cur = NewPartition("")
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		if strings.Contains(line, "Partition #") || strings.Contains(line, "Entry #") {
			flush()
			continue
		}

		if m := namePattern.FindStringSubmatch(line); m != nil {
			cur.Name = strings.ToLower(m[1])
			continue
		}

		if m := sizePattern.FindStringSubmatch(line); m != nil {
			base := 10
			if strings.Contains(strings.ToLower(line), "0x") {
				base = 16
			}
			if size, err := strconv.ParseInt(m[1], base, 64); err == nil {
				cur.Length = size
			}
			continue
		}

		if m := idPattern.FindStringSubmatch(line); m != nil {
			if id, err := strconv.ParseUint(m[1], 10, 32); err == nil {
				cur.ID = uint32(id)
			}
			continue
		}
	}
	flush()

	return parts
}

// ParseHeuristic scans raw PIT bytes for partition records when no
// authoritative parser is available. Zero-terminated ASCII tokens of
// length 3-32 become candidate names, minus structural noise; names are
// deduplicated and each candidate's surrounding bytes are searched for a
// plausible size value.
func ParseHeuristic(data []byte) []Partition {
	var parts []Partition
	seen := map[string]struct{}{}

	for _, loc := range tokenPattern.FindAllSubmatchIndex(data, -1) {
		start, end := loc[2], loc[3]
		name := strings.ToLower(string(data[start:end]))

		if _, dup := seen[name]; dup {
			continue
		}
		if _, noise := noiseTokens[name]; noise {
			continue
		}
		seen[name] = struct{}{}

		p := NewPartition(name)
		if size, ok := findSizeNear(data, start, loc[1]); ok {
			p.Length = size
		}
		parts = append(parts, p)
	}

	return parts
}

// findSizeNear searches the window around a name occurrence for the first
// 4-byte little-endian integer in the plausible partition-size range. The
// token bytes themselves are skipped so the name's ASCII never reads as a
// size.
func findSizeNear(data []byte, nameStart, nameEnd int) (int64, bool) {
	lo := nameStart - sizeWindowBefore
	if lo < 0 {
		lo = 0
	}
	hi := nameStart + sizeWindowAfter
	if hi > len(data) {
		hi = len(data)
	}

	for i := lo; i+4 <= hi; i++ {
		if i+4 > nameStart && i < nameEnd {
			continue
		}
		v := binary.LittleEndian.Uint32(data[i : i+4])
		if v >= minPlausibleSize {
			return int64(v), true
		}
	}
	return 0, false
}
