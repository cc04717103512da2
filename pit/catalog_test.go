package pit

import (
	"context"
	"os"

	"github.com/pkg/errors"
	. "gopkg.in/check.v1"

	"github.com/xynclient/xyn/heimdall"
)

type CatalogSuite struct{}

var _ = Suite(&CatalogSuite{})

// scriptedExecutor answers every invocation from a fixed table keyed by
// the tool subcommand.
type scriptedExecutor struct {
	output map[string][]byte
	fail   map[string]bool
	calls  []string
}

func (e *scriptedExecutor) Execute(ctx context.Context, binary string, args ...string) ([]byte, error) {
	sub := args[0]
	e.calls = append(e.calls, sub)
	if e.fail[sub] {
		return nil, errors.Errorf("%s failed", sub)
	}
	return e.output[sub], nil
}

func unavailableRunner() *heimdall.Runner {
	// An empty Runner has no resolved path, which is the "tool absent"
	// signal every strategy treats as fall-through.
	return new(heimdall.Runner)
}

// fakeSource writes fixed PIT bytes where the catalog asks.
type fakeSource struct {
	data []byte
	err  error
}

func (f *fakeSource) DownloadPIT(outPath string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outPath, f.data, 0644)
}

func (s *CatalogSuite) TestDetectViaToolDownload(c *C) {
	exec := &scriptedExecutor{
		output: map[string][]byte{
			"print-pit": []byte("--- Entry #0 ---\nIdentifier: 1\nName: boot\nSize: 0x1000000\n"),
		},
	}
	cat := NewCatalog(heimdall.New("/usr/bin/heimdall", heimdall.WithExecutor(exec)))

	parts, err := cat.Detect()
	c.Assert(err, IsNil)
	c.Assert(parts, HasLen, 1)
	c.Check(parts["boot"].ID, Equals, uint32(1))
	c.Check(parts["boot"].Length, Equals, int64(0x1000000))
	c.Check(exec.calls[0], Equals, "download-pit")
}

func (s *CatalogSuite) TestDetectHeuristicFromSuppliedBytes(c *C) {
	cat := NewCatalog(unavailableRunner(), WithPITBytes([]byte("boot\x00recovery\x00")))

	parts, err := cat.Detect()
	c.Assert(err, IsNil)
	c.Assert(parts, HasLen, 2)
	_, ok := parts["boot"]
	c.Check(ok, Equals, true)
	_, ok = parts["recovery"]
	c.Check(ok, Equals, true)
}

func (s *CatalogSuite) TestDetectViaSessionDownload(c *C) {
	cat := NewCatalog(unavailableRunner())
	cat.Bind(&fakeSource{data: []byte("efs\x00modem\x00")})

	parts, err := cat.Detect()
	c.Assert(err, IsNil)
	c.Assert(parts, HasLen, 2)
	_, ok := parts["efs"]
	c.Check(ok, Equals, true)
}

func (s *CatalogSuite) TestDetectFallsBackToCommonList(c *C) {
	cat := NewCatalog(unavailableRunner())
	cat.Bind(&fakeSource{err: errors.New("no session")})

	parts, err := cat.Detect()
	c.Assert(err, IsNil)
	c.Assert(parts, HasLen, 6)
	for _, name := range []string{"boot", "recovery", "system", "userdata", "cache", "modem"} {
		_, ok := parts[name]
		c.Check(ok, Equals, true)
	}
}

func (s *CatalogSuite) TestDetectCachesLayout(c *C) {
	src := &fakeSource{data: []byte("boot\x00")}
	cat := NewCatalog(unavailableRunner())
	cat.Bind(src)

	parts, err := cat.Detect()
	c.Assert(err, IsNil)
	c.Assert(parts, HasLen, 1)

	// A second detection must serve the cache, not re-download.
	src.err = errors.New("device gone")
	parts, err = cat.Detect()
	c.Assert(err, IsNil)
	c.Assert(parts, HasLen, 1)

	// Reset discards the layout and detection runs again.
	cat.Reset()
	_, err = cat.Detect()
	c.Assert(err, IsNil)
	parts, _ = cat.Detect()
	c.Assert(parts, HasLen, 6) // degraded common list after the source failed
}

func (s *CatalogSuite) TestGetIsCaseInsensitive(c *C) {
	cat := NewCatalog(unavailableRunner(), WithPITBytes([]byte("boot\x00")))

	p, ok := cat.Get("BOOT")
	c.Assert(ok, Equals, true)
	c.Check(p.Name, Equals, "boot")
}

func (s *CatalogSuite) TestGuessIdentifier(c *C) {
	exec := &scriptedExecutor{
		output: map[string][]byte{
			"print-pit": []byte("Entry #0\nName: boot\nIdentifier: 42\n"),
		},
	}
	cat := NewCatalog(heimdall.New("/usr/bin/heimdall", heimdall.WithExecutor(exec)))

	// Explicit id from the detected layout wins over the static table.
	c.Check(cat.GuessIdentifier("boot"), Equals, uint32(42))
}

func (s *CatalogSuite) TestGuessIdentifierStaticFallback(c *C) {
	cat := NewCatalog(unavailableRunner(), WithPITBytes([]byte("boot\x00radio\x00")))

	c.Check(cat.GuessIdentifier("boot"), Equals, uint32(1))
	c.Check(cat.GuessIdentifier("RECOVERY"), Equals, uint32(2))
	c.Check(cat.GuessIdentifier("radio"), Equals, uint32(6)) // aliased to modem
}

func (s *CatalogSuite) TestGuessIdentifierSentinelNeverZero(c *C) {
	cat := NewCatalog(unavailableRunner(), WithPITBytes([]byte("mystery_blob\x00")))

	id := cat.GuessIdentifier("mystery_blob")
	c.Check(id, Equals, uint32(UnknownID))
	c.Check(id, Not(Equals), uint32(0))

	c.Check(cat.GuessIdentifier("never_heard_of_it"), Equals, uint32(UnknownID))
}
