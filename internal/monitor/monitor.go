// Package monitor implements the operator command surface over a running
// engine. Each command line is dispatched through a cobra command tree.
package monitor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/cfiwatch/internal/cfi"
	"github.com/zboralski/cfiwatch/internal/log"
)

// DumpFile is the whitelist dump name inside the whitelist directory.
const DumpFile = "whitelist.bin"

var (
	ErrUsage          = errors.New("usage")
	ErrNoWhitelistDir = errors.New("whitelist directory not set")
)

// CommandFunc builds one operator command bound to a monitor.
type CommandFunc func(m *Monitor) *cobra.Command

// Monitor dispatches operator commands to an engine.
type Monitor struct {
	engine   *cfi.Engine
	out      io.Writer
	log      *log.Logger
	dir      string
	commands []CommandFunc
}

// New creates a monitor writing its output to out.
func New(e *cfi.Engine, out io.Writer, l *log.Logger) *Monitor {
	m := &Monitor{
		engine: e,
		out:    out,
		log:    log.OrNop(l).WithCategory("monitor"),
	}
	m.commands = append(m.commands, builtins...)
	return m
}

// Register adds a command to every subsequent line.
func (m *Monitor) Register(fn CommandFunc) {
	m.commands = append(m.commands, fn)
}

// WhitelistDir returns the directory the dump is loaded from and saved to.
func (m *Monitor) WhitelistDir() string { return m.dir }

// root builds a fresh command tree. pflag keeps parsed values between
// runs, so a tree serves a single line.
func (m *Monitor) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "cfi",
		Short:         "Operator commands for the control-flow engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(m.out)
	root.SetErr(m.out)
	for _, fn := range m.commands {
		root.AddCommand(fn(m))
	}
	return root
}

// Execute runs one command line. Blank lines and # comments are ignored.
func (m *Monitor) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}
	m.log.Debug("command", zap.Strings("args", fields))
	root := m.root()
	root.SetArgs(fields)
	return root.Execute()
}

// Serve executes commands read line by line until EOF. Command errors are
// reported on the output and do not stop the loop.
func (m *Monitor) Serve(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := m.Execute(sc.Text()); err != nil {
			fmt.Fprintf(m.out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

// usage wraps a cobra argument validator so count errors match ErrUsage.
func usage(args cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := args(cmd, a); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUsage, cmd.UseLine(), err)
		}
		return nil
	}
}

// SetWhitelistDir selects the dump directory and merges the dump found
// there into the store. A directory without a dump is accepted.
func (m *Monitor) SetWhitelistDir(dir string) (int, error) {
	m.dir = dir
	path := filepath.Join(dir, DumpFile)
	n, err := m.engine.Store().Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return n, err
}

// Save writes the store to the dump in the whitelist directory and returns
// its path.
func (m *Monitor) Save() (string, error) {
	if m.dir == "" {
		return "", ErrNoWhitelistDir
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("create whitelist dir: %w", err)
	}
	path := filepath.Join(m.dir, DumpFile)
	return path, m.engine.Store().Save(path)
}

func parseASID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address-space id %q: %w", s, err)
	}
	return uint32(v), nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected on or off, got %q", ErrUsage, s)
}
