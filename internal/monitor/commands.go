package monitor

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zboralski/cfiwatch/internal/ui/report"
)

var builtins = []CommandFunc{
	whitelistDirCmd,
	mountRootCmd,
	monitorCmd,
	dumpRegionsCmd,
	dumpProcsCmd,
	dumpModulesCmd,
	dumpThreadsCmd,
	tidCmd,
	kernelCmd,
	statsCmd,
	violationsCmd,
	saveCmd,
}

func whitelistDirCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "whitelist_dir <dir>",
		Short: "Set the whitelist dump directory and load its dump",
		Args:  usage(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := m.SetWhitelistDir(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("whitelist dir %s: %d records loaded, %d cached\n", args[0], n, m.engine.Store().Len())
			return nil
		},
	}
}

func mountRootCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "mount_root <dir>",
		Short: "Set the host directory the guest disk is mounted under",
		Args:  usage(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			m.engine.SetMountRoot(args[0])
			cmd.Printf("mount root %s\n", args[0])
			return nil
		},
	}
}

func monitorCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [name|*]",
		Short: "Judge only the named process; no argument or * judges all",
		Args:  usage(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 && args[0] != "*" {
				name = args[0]
			}
			m.engine.SetMonitor(name)
			if name == "" {
				cmd.Println("monitoring all processes")
			} else {
				cmd.Printf("monitoring %s\n", name)
			}
			return nil
		},
	}
}

func dumpRegionsCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "dump_regions [asid]",
		Short: "List dynamic executable regions",
		Args:  usage(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				asid, err := parseASID(args[0])
				if err != nil {
					return err
				}
				r, ok := m.engine.Regions(asid)
				if !ok {
					return fmt.Errorf("no process with asid 0x%x", asid)
				}
				cmd.Println(report.Regions(asid, r))
				return nil
			}
			for _, p := range m.engine.Processes() {
				if r, ok := m.engine.Regions(p.ASID); ok && len(r) > 0 {
					cmd.Printf("%s (0x%x)\n%s\n", p.Name, p.ASID, report.Regions(p.ASID, r))
				}
			}
			return nil
		},
	}
}

func dumpProcsCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "dump_procs",
		Short: "List tracked processes",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(report.Processes(m.engine.Processes()))
			return nil
		},
	}
}

func dumpModulesCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "dump_modules <asid>",
		Short: "List the modules of a process",
		Args:  usage(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			asid, err := parseASID(args[0])
			if err != nil {
				return err
			}
			p, ok := m.engine.Process(asid)
			if !ok {
				return fmt.Errorf("no process with asid 0x%x", asid)
			}
			cmd.Println(report.Modules(p))
			return nil
		},
	}
}

func dumpThreadsCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "dump_threads <asid>",
		Short: "List the shadow stacks of a process",
		Args:  usage(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			asid, err := parseASID(args[0])
			if err != nil {
				return err
			}
			th, ok := m.engine.Threads(asid)
			if !ok {
				return fmt.Errorf("no process with asid 0x%x", asid)
			}
			cmd.Println(report.Threads(th))
			return nil
		},
	}
}

func tidCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "tid",
		Short: "Print the current user and kernel thread ids",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, kernel, ok := m.engine.CurrentThread()
			if !ok {
				return fmt.Errorf("no guest attached")
			}
			cmd.Printf("user tid %d, kernel tid %d\n", user, kernel)
			return nil
		},
	}
}

func kernelCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "kernel [on|off]",
		Short: "Toggle validation of kernel-mode branches",
		Args:  usage(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				on, err := parseOnOff(args[0])
				if err != nil {
					return err
				}
				m.engine.SetKernelEnforcement(on)
			}
			state := "off"
			if m.engine.KernelEnforcement() {
				state = "on"
			}
			cmd.Printf("kernel enforcement %s\n", state)
			return nil
		},
	}
}

func statsCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print diagnostic counters",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(report.Stats(m.engine.Stats()))
			if err := m.engine.Halted(); err != nil {
				cmd.Printf("halted: %v\n", err)
			}
			return nil
		},
	}
}

func violationsCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "violations",
		Short: "List recent policy misses",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(report.Violations(m.engine.Violations()))
			return nil
		},
	}
}

func saveCmd(m *Monitor) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Write the whitelist cache to the dump",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := m.Save()
			if err != nil {
				return err
			}
			cmd.Printf("saved %s\n", path)
			return nil
		},
	}
}
