package heimdall

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Per-call timeouts for tool invocations. A timeout is reported as a tool
// failure so the caller can fall back, never as a fatal error.
const (
	// MetadataTimeout bounds quick queries: print-pit, reboot
	MetadataTimeout = 20 * time.Second

	// PITTimeout bounds download-pit
	PITTimeout = 60 * time.Second

	// TransferTimeout bounds dump, flash and erase
	TransferTimeout = 300 * time.Second
)

// ErrNotAvailable reports that no heimdall binary was found on the host.
// Callers treat this as a non-error signal to use the raw protocol path.
var ErrNotAvailable = errors.New("heimdall not found in PATH")

// Executor runs the external binary. Swappable so tests can script tool
// behavior without a heimdall install.
type Executor interface {
	Execute(ctx context.Context, binary string, args ...string) ([]byte, error)
}

type binaryExecutor struct{}

func (binaryExecutor) Execute(ctx context.Context, binary string, args ...string) ([]byte, error) {
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return output.Bytes(), errors.Wrapf(err, "%s %v", binary, args)
	}
	return output.Bytes(), nil
}

// Runner invokes the heimdall flashing utility. The binary path is
// resolved once at construction and injected everywhere it is needed;
// there is no ambient lookup state.
type Runner struct {
	path    string
	verbose bool
	execer  Executor
	log     *logrus.Entry
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithExecutor replaces the subprocess executor. Used by tests.
func WithExecutor(execer Executor) RunnerOption {
	return func(r *Runner) {
		r.execer = execer
	}
}

// WithVerbose passes --verbose through to every tool invocation.
func WithVerbose(verbose bool) RunnerOption {
	return func(r *Runner) {
		r.verbose = verbose
	}
}

// WithLogger sets the logger used for invocation tracing.
func WithLogger(log *logrus.Entry) RunnerOption {
	return func(r *Runner) {
		r.log = log
	}
}

// New creates a Runner for the given binary path. An empty path resolves
// "heimdall" from PATH once; if that fails every call reports
// ErrNotAvailable rather than erroring at construction.
func New(path string, opts ...RunnerOption) *Runner {
	if path == "" {
		if found, err := exec.LookPath("heimdall"); err == nil {
			path = found
		}
	}

	r := &Runner{
		path:   path,
		execer: binaryExecutor{},
		log:    logrus.WithField("component", "heimdall"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Available reports whether a tool binary was resolved.
func (r *Runner) Available() bool {
	return r.path != ""
}

// Path returns the resolved tool binary path, empty when unavailable.
func (r *Runner) Path() string {
	return r.path
}

func (r *Runner) run(timeout time.Duration, args ...string) ([]byte, error) {
	if !r.Available() {
		return nil, ErrNotAvailable
	}

	if r.verbose {
		args = append(args, "--verbose")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r.log.Debugf("Invoking %s %v", r.path, args)
	out, err := r.execer.Execute(ctx, r.path, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, errors.Wrapf(err, "heimdall timed out after %v", timeout)
		}
		return out, err
	}
	return out, nil
}

// PrintPIT runs print-pit against a PIT file on disk and returns its
// textual output. Both argument forms in circulation are tried: the
// --pit flag form first, then the bare path form.
func (r *Runner) PrintPIT(pitPath string) (string, error) {
	out, err := r.run(MetadataTimeout, "print-pit", "--pit", pitPath)
	if err == nil {
		return string(out), nil
	}
	if errors.Is(err, ErrNotAvailable) {
		return "", err
	}
	r.log.Debugf("print-pit --pit form failed, retrying bare path form: %v", err)

	out, err = r.run(MetadataTimeout, "print-pit", pitPath)
	if err != nil {
		return "", errors.Wrap(err, "print-pit failed")
	}
	return string(out), nil
}

// DownloadPIT pulls the PIT from the connected device into outPath.
func (r *Runner) DownloadPIT(outPath string) error {
	_, err := r.run(PITTimeout, "download-pit", "--output", outPath)
	return err
}

// Dump reads a partition from the device into outPath.
func (r *Runner) Dump(partition, outPath string) error {
	_, err := r.run(TransferTimeout, "dump", partition, "--output", outPath)
	return err
}

// Flash writes a file to a partition on the device.
func (r *Runner) Flash(partition, inPath string) error {
	_, err := r.run(TransferTimeout, "flash", partition, inPath)
	return err
}

// Erase erases a partition on the device.
func (r *Runner) Erase(partition string) error {
	_, err := r.run(TransferTimeout, "erase", partition)
	return err
}

// Reboot reboots the connected device.
func (r *Runner) Reboot() error {
	_, err := r.run(MetadataTimeout, "reboot")
	return err
}
