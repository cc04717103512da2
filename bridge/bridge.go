package bridge

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xynclient/xyn/heimdall"
	"github.com/xynclient/xyn/pit"
)

// Bridge is the top-level flashing client. Every operation prefers the
// external heimdall tool, which performs verified transfers, and falls
// back to the raw protocol engine when the tool is missing or fails.
// Raw writes and erases are destructive and unverified, so they sit
// behind an explicit force flag.
type Bridge struct {
	log     *logrus.Entry
	runner  *heimdall.Runner
	catalog *pit.Catalog
	session *Session
	engine  *Engine
}

type config struct {
	log          *logrus.Entry
	runner       *heimdall.Runner
	heimdallPath string
	verbose      bool
	pitFile      string
	pitBytes     []byte
	timeout      time.Duration
	chunkSize    int
	progress     ProgressFunc
}

// Option configures a Bridge.
type Option func(*config)

// WithLogger sets the logger shared by all bridge components.
func WithLogger(log *logrus.Entry) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithHeimdallPath points the tool runner at a specific binary instead
// of searching PATH.
func WithHeimdallPath(path string) Option {
	return func(c *config) {
		c.heimdallPath = path
	}
}

// WithRunner replaces the tool runner entirely. Used by tests.
func WithRunner(runner *heimdall.Runner) Option {
	return func(c *config) {
		c.runner = runner
	}
}

// WithVerbose passes the verbose flag through to the external tool.
func WithVerbose(verbose bool) Option {
	return func(c *config) {
		c.verbose = verbose
	}
}

// WithPITFile seeds layout detection with a local PIT file.
func WithPITFile(path string) Option {
	return func(c *config) {
		c.pitFile = path
	}
}

// WithPITBytes seeds layout detection with raw PIT bytes.
func WithPITBytes(data []byte) Option {
	return func(c *config) {
		c.pitBytes = data
	}
}

// WithTimeout overrides the default packet exchange timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.timeout = timeout
	}
}

// WithChunkSize overrides the flash payload chunk size.
func WithChunkSize(size int) Option {
	return func(c *config) {
		c.chunkSize = size
	}
}

// WithProgress sets the progress callback for raw transfers.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}

// New wires a Bridge: a tool runner, a partition catalog fed by the
// raw engine's PIT download, and a session over the given enumerator.
func New(enum Enumerator, opts ...Option) *Bridge {
	cfg := &config{
		log: logrus.WithField("component", "bridge"),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	runner := cfg.runner
	if runner == nil {
		runner = heimdall.New(cfg.heimdallPath,
			heimdall.WithVerbose(cfg.verbose),
			heimdall.WithLogger(cfg.log))
	}

	catalogOpts := []pit.CatalogOption{pit.WithCatalogLogger(cfg.log)}
	if cfg.pitFile != "" {
		catalogOpts = append(catalogOpts, pit.WithPITFile(cfg.pitFile))
	}
	if len(cfg.pitBytes) > 0 {
		catalogOpts = append(catalogOpts, pit.WithPITBytes(cfg.pitBytes))
	}
	catalog := pit.NewCatalog(runner, catalogOpts...)

	sessionOpts := []SessionOption{SessionLogger(cfg.log)}
	if cfg.timeout > 0 {
		sessionOpts = append(sessionOpts, SessionTimeout(cfg.timeout))
	}
	session := NewSession(enum, sessionOpts...)

	engineOpts := []EngineOption{EngineLogger(cfg.log)}
	if cfg.chunkSize > 0 {
		engineOpts = append(engineOpts, EngineChunkSize(cfg.chunkSize))
	}
	if cfg.progress != nil {
		engineOpts = append(engineOpts, EngineProgress(cfg.progress))
	}
	engine := NewEngine(session, catalog, engineOpts...)

	catalog.Bind(engine)

	return &Bridge{
		log:     cfg.log,
		runner:  runner,
		catalog: catalog,
		session: session,
		engine:  engine,
	}
}

// Connect attaches to a download-mode device and establishes the
// protocol session.
func (b *Bridge) Connect() error {
	return b.session.Connect()
}

// Disconnect tears the session down and invalidates the cached layout,
// because the next device may expose a different partition table.
func (b *Bridge) Disconnect() {
	b.session.Disconnect()
	b.catalog.Reset()
}

// Connected reports whether a protocol session is currently established.
func (b *Bridge) Connected() bool {
	return b.session.Established()
}

// ToolAvailable reports whether the external tool was found.
func (b *Bridge) ToolAvailable() bool {
	return b.runner.Available()
}

// DetectPartitionLayout returns the partition layout, detecting it on
// first use.
func (b *Bridge) DetectPartitionLayout() (map[string]pit.Partition, error) {
	return b.catalog.Detect()
}

// DownloadPIT saves the device partition table to outPath, via the tool
// when available, otherwise over the raw protocol.
func (b *Bridge) DownloadPIT(outPath string) error {
	if b.runner.Available() {
		err := b.runner.DownloadPIT(outPath)
		if err == nil {
			return nil
		}
		b.log.Warnf("Tool PIT download failed, falling back to raw protocol: %v", err)
	}
	return b.engine.DownloadPIT(outPath)
}

// ReadPartition dumps a partition to outPath, via the tool when
// available, otherwise over the raw protocol. Reads are non-destructive
// so the fallback needs no force flag.
func (b *Bridge) ReadPartition(name, outPath string) error {
	if b.runner.Available() {
		err := b.runner.Dump(name, outPath)
		if err == nil {
			return nil
		}
		b.log.Warnf("Tool dump of %s failed, falling back to raw protocol: %v", name, err)
	}
	return b.engine.ReadPartition(name, outPath)
}

// WritePartition flashes an image, via the tool when available. The raw
// fallback is unverified and destructive, so it runs only with force
// set.
func (b *Bridge) WritePartition(name, inPath string, force bool) error {
	if b.runner.Available() {
		err := b.runner.Flash(name, inPath)
		if err == nil {
			return nil
		}
		b.log.Warnf("Tool flash of %s failed: %v", name, err)
	}
	if !force {
		return &SafetyGateError{Op: "write"}
	}
	return b.engine.WritePartition(name, inPath)
}

// ErasePartition erases a partition. Erase is destructive in every
// path, so the force gate applies before the tool is even tried.
func (b *Bridge) ErasePartition(name string, force bool) error {
	if !force {
		return &SafetyGateError{Op: "erase"}
	}
	if b.runner.Available() {
		if err := b.runner.Erase(name); err == nil {
			return nil
		}
		b.log.Warnf("Tool erase of %s failed, falling back to raw protocol", name)
	}
	return b.engine.ErasePartition(name)
}

// Reboot takes the device out of download mode, via the tool when
// available.
func (b *Bridge) Reboot() error {
	if b.runner.Available() {
		if err := b.runner.Reboot(); err == nil {
			return nil
		}
		b.log.Warn("Tool reboot failed, falling back to raw protocol")
	}
	return b.engine.Reboot()
}
