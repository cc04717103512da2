package pit

import "strings"

// UnknownID is the documented sentinel for a partition whose protocol
// identifier is unknown or unmapped. It must never collapse to 0:
// downstream transfer logic sends the sentinel and lets the device reject
// it, rather than treating it as a local error.
const UnknownID = 0xFFFFFFFF

// SizeUnknown marks an absent Start or Length field.
const SizeUnknown = -1

// Partition describes one flashable partition from the device's partition
// information table. Immutable once constructed; the Name is always
// non-empty and lowercase.
type Partition struct {
	// Name is the case-normalized partition name, the unique key
	Name string

	// Start is the byte offset on flash, SizeUnknown when not reported
	Start int64

	// Length is the byte size, SizeUnknown when not reported
	Length int64

	// ID is the protocol identifier, UnknownID when not reported
	ID uint32

	// Filename is the flash filename from the table, if any
	Filename string
}

// NewPartition creates a Partition with the given name case-folded to
// lowercase and every optional field set to its explicit unknown sentinel.
func NewPartition(name string) Partition {
	return Partition{
		Name:   strings.ToLower(name),
		Start:  SizeUnknown,
		Length: SizeUnknown,
		ID:     UnknownID,
	}
}

// commonIdentifiers maps well-known partition names to their protocol
// identifiers. radio is an alias for modem and shares its id.
var commonIdentifiers = map[string]uint32{
	"boot":     1,
	"recovery": 2,
	"system":   3,
	"userdata": 4,
	"cache":    5,
	"modem":    6,
	"radio":    6,
	"efs":      7,
	"param":    8,
	"dtb":      9,
	"dtbo":     10,
	"vbmeta":   11,
	"misc":     12,
}

// commonPartitions is the conservative built-in list substituted when
// every parsing strategy returned zero partitions, so the system stays
// usable in a degraded mode.
var commonPartitions = []string{"boot", "recovery", "system", "userdata", "cache", "modem"}
