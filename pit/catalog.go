package pit

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xynclient/xyn/heimdall"
)

// Downloader fetches the raw PIT from the connected device into a file.
// It is the session's own download capability, used by the last parsing
// strategy when the external tool cannot provide the table.
type Downloader interface {
	DownloadPIT(outPath string) error
}

// Catalog maps partition names to Partitions for one connected session.
// Built once per session by Detect; discarded on disconnect via Reset.
type Catalog struct {
	runner *heimdall.Runner
	log    *logrus.Entry

	// pitPath optionally points at a PIT file already on disk
	pitPath string

	// pitBytes optionally holds raw PIT bytes supplied by the caller
	pitBytes []byte

	src      Downloader
	parts    map[string]Partition
	detected bool
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithPITFile points the catalog at a PIT file already on disk; the
// authoritative tool is run against it first.
func WithPITFile(path string) CatalogOption {
	return func(c *Catalog) {
		c.pitPath = path
	}
}

// WithPITBytes supplies raw PIT bytes for heuristic parsing.
func WithPITBytes(data []byte) CatalogOption {
	return func(c *Catalog) {
		c.pitBytes = data
	}
}

// WithCatalogLogger sets the logger used for strategy tracing.
func WithCatalogLogger(log *logrus.Entry) CatalogOption {
	return func(c *Catalog) {
		c.log = log
	}
}

// NewCatalog creates a Catalog. The runner carries the injected external
// tool path; it is consulted before any from-scratch parsing.
func NewCatalog(runner *heimdall.Runner, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		runner: runner,
		log:    logrus.WithField("component", "pit"),
		parts:  map[string]Partition{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind attaches the session download capability used by the
// download-then-parse strategy. A nil source disables that strategy.
func (c *Catalog) Bind(src Downloader) {
	c.src = src
}

// Reset clears the detected layout, forcing the next Detect to re-parse.
func (c *Catalog) Reset() {
	c.parts = map[string]Partition{}
	c.detected = false
}

// Detect determines the partition layout. Strategies are tried in order
// and the first success wins; each failure is logged and ignored. When
// every strategy returns zero partitions a conservative built-in list is
// substituted so the system remains usable in a degraded mode.
//
// Repeated calls return the cached mapping unless it is empty, in which
// case detection is retried.
func (c *Catalog) Detect() (map[string]Partition, error) {
	if c.detected && len(c.parts) > 0 {
		return c.snapshot(), nil
	}

	parts := c.detect()

	if len(parts) == 0 {
		c.log.Warn("No partitions detected, substituting common partition list")
		for _, name := range commonPartitions {
			parts = append(parts, NewPartition(name))
		}
	} else {
		c.log.Infof("Partition layout detected: %d partitions", len(parts))
	}

	c.parts = map[string]Partition{}
	for _, p := range parts {
		c.parts[p.Name] = p
	}
	c.detected = true

	return c.snapshot(), nil
}

func (c *Catalog) detect() []Partition {
	// Authoritative tool against a PIT file already on disk.
	if c.runner.Available() && c.pitPath != "" {
		if _, err := os.Stat(c.pitPath); err == nil {
			if parts, err := c.parseWithTool(c.pitPath); err != nil {
				c.log.Debugf("Tool parse of %s failed: %v", c.pitPath, err)
			} else if len(parts) > 0 {
				return parts
			}
		}
	}

	// Authoritative tool pulling the PIT from the device itself.
	if c.runner.Available() {
		if parts, err := c.parseViaToolDownload(); err != nil {
			c.log.Debugf("Tool PIT download failed: %v", err)
		} else if len(parts) > 0 {
			return parts
		}
	}

	// Heuristic scan of caller-supplied raw bytes.
	if len(c.pitBytes) > 0 {
		if parts := ParseHeuristic(c.pitBytes); len(parts) > 0 {
			c.log.Infof("Heuristic parse of supplied PIT bytes: %d partitions", len(parts))
			return parts
		}
	}

	// Session download, then tool or heuristic parse.
	if c.src != nil {
		if parts, err := c.parseViaSessionDownload(); err != nil {
			c.log.Debugf("Session PIT download failed: %v", err)
		} else if len(parts) > 0 {
			return parts
		}
	}

	return nil
}

// parseWithTool runs the external tool against an on-disk PIT file and
// parses its textual output.
func (c *Catalog) parseWithTool(pitPath string) ([]Partition, error) {
	out, err := c.runner.PrintPIT(pitPath)
	if err != nil {
		return nil, err
	}
	return ParseToolOutput(out), nil
}

// parseViaToolDownload asks the tool to pull the PIT to a temporary file
// and parses that. The temporary file is removed whether or not parsing
// succeeded.
func (c *Catalog) parseViaToolDownload() ([]Partition, error) {
	tmp := tempPITPath()
	defer removeQuiet(tmp)

	if err := c.runner.DownloadPIT(tmp); err != nil {
		return nil, errors.Wrap(err, "download-pit failed")
	}
	return c.parseWithTool(tmp)
}

// parseViaSessionDownload fetches PIT bytes through the active session and
// applies the tool parser when available, the heuristic parser otherwise.
func (c *Catalog) parseViaSessionDownload() ([]Partition, error) {
	tmp := tempPITPath()
	defer removeQuiet(tmp)

	if err := c.src.DownloadPIT(tmp); err != nil {
		return nil, errors.Wrap(err, "session PIT download failed")
	}

	if c.runner.Available() {
		if parts, err := c.parseWithTool(tmp); err == nil && len(parts) > 0 {
			return parts, nil
		}
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, err
	}
	parts := ParseHeuristic(data)
	if len(parts) > 0 {
		c.log.Infof("Heuristic parse of downloaded PIT: %d partitions", len(parts))
	}
	return parts, nil
}

// Get resolves a partition by name, detecting the layout first when none
// is cached. The lookup key is the case-folded name.
func (c *Catalog) Get(name string) (Partition, bool) {
	if len(c.parts) == 0 {
		if _, err := c.Detect(); err != nil {
			return Partition{}, false
		}
	}
	p, ok := c.parts[strings.ToLower(name)]
	return p, ok
}

// GuessIdentifier resolves a partition name to its protocol identifier:
// the explicit id from the detected layout when present, the static
// well-known mapping otherwise, and the UnknownID sentinel for anything
// else. Never 0.
func (c *Catalog) GuessIdentifier(name string) uint32 {
	if p, ok := c.Get(name); ok && p.ID != UnknownID {
		return p.ID
	}
	if id, ok := commonIdentifiers[strings.ToLower(name)]; ok {
		return id
	}
	return UnknownID
}

func (c *Catalog) snapshot() map[string]Partition {
	out := make(map[string]Partition, len(c.parts))
	for name, p := range c.parts {
		out[name] = p
	}
	return out
}

func tempPITPath() string {
	return filepath.Join(os.TempDir(), "xyn-"+uuid.NewString()+".pit")
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.WithField("component", "pit").Debugf("Failed to remove %s: %v", path, err)
	}
}
