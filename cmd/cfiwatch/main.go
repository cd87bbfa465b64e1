package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	_ "github.com/zboralski/cfiwatch/internal/apihook/memapi"
	"github.com/zboralski/cfiwatch/internal/cfi"
	"github.com/zboralski/cfiwatch/internal/config"
	"github.com/zboralski/cfiwatch/internal/emulator"
	"github.com/zboralski/cfiwatch/internal/instrument"
	glog "github.com/zboralski/cfiwatch/internal/log"
	"github.com/zboralski/cfiwatch/internal/monitor"
	"github.com/zboralski/cfiwatch/internal/stubs"
	_ "github.com/zboralski/cfiwatch/internal/stubs/kernel32"
	"github.com/zboralski/cfiwatch/internal/trace"
	"github.com/zboralski/cfiwatch/internal/ui/colorize"
	"github.com/zboralski/cfiwatch/internal/ui/report"
)

var (
	cfgFile string
	verbose bool
	quiet   bool

	// engine settings, override the config file when set
	whitelistDir string
	mountRoot    string
	monitorName  string
	kernelOn     bool

	showInsn  int
	maxInsn   int
	enforce   bool
	script    string
	saveCache bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cfiwatch",
		Short: "Whitelist control-flow integrity for 32-bit Windows code",
		Long: `cfiwatch validates every indirect branch and return of a running guest
against whitelists derived from the loaded PE images.

Legitimate indirect targets are the values stored at relocation sites and the
export table entries of each module. Returns are matched against a shadow call
stack per thread and fiber. Executable memory handed out by VirtualAlloc and
friends is tracked as dynamic regions.

The run command emulates a PE32 image under Unicorn with Windows API stubs and
reports every violation as it happens.

Examples:
  cfiwatch run sample.exe               # Trace and validate
  cfiwatch run sample.exe --enforce     # Stop at the first violation
  cfiwatch run sample.exe -q            # Violations and stats only
  cfiwatch whitelist kernel32.dll       # Show extracted tables
  cfiwatch cache build /mnt/xp/WINDOWS  # Prebuild the whitelist dump`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default "+config.DefaultFile+")")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	pf.StringVar(&whitelistDir, "whitelist-dir", "", "directory holding "+monitor.DumpFile)
	pf.StringVar(&mountRoot, "mount-root", "", "host directory where the guest disk is mounted")
	pf.StringVar(&monitorName, "monitor", "", "only judge the process with this name")
	pf.BoolVar(&kernelOn, "kernel", false, "judge kernel-mode control transfers")

	runCmd := &cobra.Command{
		Use:   "run <image.exe>",
		Short: "Emulate an image and validate its control flow",
		Args:  cobra.ExactArgs(1),
		RunE:  runImage,
	}
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (violations + stats only)")
	runCmd.Flags().IntVarP(&showInsn, "num", "n", 500, "max instructions to show")
	runCmd.Flags().IntVar(&maxInsn, "max-insn", 0, "instruction budget (default from config)")
	runCmd.Flags().BoolVar(&enforce, "enforce", false, "stop at the first violation")
	runCmd.Flags().StringVar(&script, "script", "", "monitor commands to run afterwards (- for stdin)")
	runCmd.Flags().BoolVar(&saveCache, "save", false, "save the whitelist cache to the whitelist dir")

	whitelistCmd := &cobra.Command{
		Use:   "whitelist <image>",
		Short: "Show the whitelist tables extracted from a PE image",
		Args:  cobra.ExactArgs(1),
		RunE:  showWhitelist,
	}
	whitelistCmd.Flags().Bool("all", false, "print every whitelisted address")

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Build or inspect the whitelist dump",
	}
	buildCmd := &cobra.Command{
		Use:   "build <dir>",
		Short: "Extract whitelists for every image under dir",
		Args:  cobra.ExactArgs(1),
		RunE:  cacheBuild,
	}
	buildCmd.Flags().StringP("out", "o", "", "dump path (default <whitelist-dir>/"+monitor.DumpFile+")")
	buildCmd.Flags().IntP("jobs", "j", 0, "parallel extractions (default 4)")
	showCmd := &cobra.Command{
		Use:   "show <dump>",
		Short: "List the records of a whitelist dump",
		Args:  cobra.ExactArgs(1),
		RunE:  cacheShow,
	}
	cacheCmd.AddCommand(buildCmd, showCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  showConfig,
	}

	rootCmd.AddCommand(runCmd, whitelistCmd, cacheCmd, configCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the config file, then applies flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("whitelist-dir") {
		cfg.WhitelistDir = whitelistDir
	}
	if flags.Changed("mount-root") {
		cfg.MountRoot = mountRoot
	}
	if flags.Changed("monitor") {
		cfg.Monitor = monitorName
	}
	if flags.Changed("kernel") {
		cfg.KernelEnforcement = kernelOn
	}
	if flags.Changed("max-insn") && maxInsn > 0 {
		cfg.MaxInsn = maxInsn
	}
	if verbose {
		cfg.Debug = true
	}
	glog.Init(cfg.Debug)
	stubs.Debug = cfg.Debug
	return cfg, nil
}

func runImage(cmd *cobra.Command, args []string) error {
	imagePath := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	collector := &traceCollector{}
	sess := instrument.New(emu, cfi.Config{
		Logger:            glog.L,
		MountRoot:         cfg.MountRoot,
		Monitor:           cfg.Monitor,
		KernelEnforcement: cfg.KernelEnforcement,
		ShadowCapacity:    cfg.ShadowStackCapacity,
		HeapExecutable:    cfg.HeapExecutable,
		OnViolation:       collector.Add,
	}, instrument.Options{Enforce: enforce, Logger: glog.L})
	engine := sess.Engine()

	mon := monitor.New(engine, os.Stdout, glog.L)
	cached := 0
	if cfg.WhitelistDir != "" {
		if cached, err = mon.SetWhitelistDir(cfg.WhitelistDir); err != nil {
			return err
		}
	}

	stubCalls := 0
	stubs.DefaultRegistry.OnCall = func(category, name, detail string) {
		stubCalls++
		e := trace.NewEvent(trace.Tag(category), sess.ASID(), emu.EIP(), 0)
		e.Detail = strings.TrimSpace(name + " " + detail)
		collector.Add(e)
	}

	img, err := sess.Load(imagePath)
	if err != nil {
		return fmt.Errorf("load %s: %w", imagePath, err)
	}

	var out *outputWriter
	if !quiet {
		out = newOutputWriter()
		entries := 0
		if rec, ok := engine.Store().Get(img.Name); ok {
			entries = rec.Set.Len()
		}
		printHeader(out, imagePath, img, len(sess.Stubs().Stubs), entries, cached)
	}

	count := 0
	sess.OnStep = func(st instrument.Step) {
		count++
		events := collector.GetAndClear()
		if quiet || count > showInsn {
			return
		}
		out.Write(formatLine(st, sess.Stubs().Stubs, events))
		if isBlockEnd(st) {
			out.Write("")
		}
	}

	runErr := sess.Run(uint64(cfg.MaxInsn))
	if out != nil {
		out.Close()
	}

	if vs := engine.Violations(); len(vs) > 0 {
		fmt.Println()
		fmt.Println(report.Violations(vs))
	}
	if !quiet {
		fmt.Println(report.Stats(engine.Stats()))
		if p, ok := engine.Process(sess.ASID()); ok {
			fmt.Println(report.Modules(p))
		}
		if regions, ok := engine.Regions(sess.ASID()); ok && len(regions) > 0 {
			fmt.Println(report.Regions(sess.ASID(), regions))
		}
	}
	printStats(imagePath, count, stubCalls, engine.Stats(), runErr)

	if script != "" {
		if err := runScript(mon, script); err != nil {
			return err
		}
	}
	if saveCache {
		path, err := mon.Save()
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", colorize.Detail("saved"), path)
	}

	var ie *cfi.InvariantError
	if errors.Is(runErr, instrument.ErrBlocked) || errors.As(runErr, &ie) {
		return runErr
	}
	return nil
}

func runScript(mon *monitor.Monitor, path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open script: %w", err)
		}
		defer f.Close()
		r = f
	}
	return mon.Serve(r)
}

func showConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func relPath(path string) string {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}
