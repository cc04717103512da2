package pit

import (
	"testing"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type ParserSuite struct{}

var _ = Suite(&ParserSuite{})

const toolOutput = `
Heimdall v1.4.2

--- Entry #0 ---
Identifier: 1
Name: BOOT
Size: 0x2000000

--- Entry #1 ---
Identifier: 7
Name: "efs"
Size: 20971520

--- Entry #2 ---
Name: userdata
`

func (s *ParserSuite) TestParseToolOutput(c *C) {
	parts := ParseToolOutput(toolOutput)
	c.Assert(parts, HasLen, 3)

	c.Check(parts[0].Name, Equals, "boot")
	c.Check(parts[0].ID, Equals, uint32(1))
	c.Check(parts[0].Length, Equals, int64(0x2000000))

	c.Check(parts[1].Name, Equals, "efs")
	c.Check(parts[1].ID, Equals, uint32(7))
	c.Check(parts[1].Length, Equals, int64(20971520))

	// Last in-progress record is flushed at end of input, with explicit
	// unknown sentinels for everything it did not declare.
	c.Check(parts[2].Name, Equals, "userdata")
	c.Check(parts[2].ID, Equals, uint32(UnknownID))
	c.Check(parts[2].Length, Equals, int64(SizeUnknown))
}

func (s *ParserSuite) TestParseToolOutputDiscardsNamelessRecords(c *C) {
	parts := ParseToolOutput("--- Entry #0 ---\nSize: 4096\n--- Entry #1 ---\nName: boot\n")
	c.Assert(parts, HasLen, 1)
	c.Check(parts[0].Name, Equals, "boot")
}

func (s *ParserSuite) TestParseToolOutputPartitionMarker(c *C) {
	parts := ParseToolOutput("Partition #4\nName: CACHE\nId: 5\nPartition #5\nName: modem\n")
	c.Assert(parts, HasLen, 2)
	c.Check(parts[0].Name, Equals, "cache")
	c.Check(parts[0].ID, Equals, uint32(5))
	c.Check(parts[1].Name, Equals, "modem")
}

func (s *ParserSuite) TestParseHeuristicTokens(c *C) {
	// Only zero-terminated tokens count; the second boot is deduplicated.
	data := []byte("junk\x01\x02boot\x00xx\xffrecovery\x00boot\x00")
	parts := ParseHeuristic(data)

	names := []string{}
	for _, p := range parts {
		names = append(names, p.Name)
	}
	c.Check(names, DeepEquals, []string{"boot", "recovery"})
}

func (s *ParserSuite) TestParseHeuristicRejectsNoise(c *C) {
	data := []byte("samsung\x00android\x00partition\x00table\x00header\x00pit\x00bootloader\x00odinfw\x00boot\x00")
	parts := ParseHeuristic(data)
	c.Assert(parts, HasLen, 1)
	c.Check(parts[0].Name, Equals, "boot")
}

func (s *ParserSuite) TestParseHeuristicRejectsShortAndLongTokens(c *C) {
	long := make([]byte, 40)
	for i := range long {
		long[i] = 'a'
	}
	data := append([]byte("ab\x00"), append(long, 0x00)...)
	parts := ParseHeuristic(data)
	for _, p := range parts {
		c.Check(len(p.Name) >= 3, Equals, true)
		c.Check(len(p.Name) <= 32, Equals, true)
	}
}

func (s *ParserSuite) TestParseHeuristicFindsSizeNearName(c *C) {
	// "boot\x00" followed within 256 bytes by little-endian 0x02000000
	// must yield a boot partition of that length.
	data := make([]byte, 64)
	copy(data, "boot\x00")
	data[8] = 0x00
	data[9] = 0x00
	data[10] = 0x00
	data[11] = 0x02

	parts := ParseHeuristic(data)
	c.Assert(parts, HasLen, 1)
	c.Check(parts[0].Name, Equals, "boot")
	c.Check(parts[0].Length, Equals, int64(0x02000000))
}

func (s *ParserSuite) TestParseHeuristicNoPlausibleSize(c *C) {
	data := make([]byte, 32)
	copy(data, "boot\x00")

	parts := ParseHeuristic(data)
	c.Assert(parts, HasLen, 1)
	c.Check(parts[0].Length, Equals, int64(SizeUnknown))
}

func (s *ParserSuite) TestParseHeuristicCaseFoldsNames(c *C) {
	parts := ParseHeuristic([]byte("RECOVERY\x00"))
	c.Assert(parts, HasLen, 1)
	c.Check(parts[0].Name, Equals, "recovery")
}
