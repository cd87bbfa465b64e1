package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	glog "github.com/zboralski/cfiwatch/internal/log"
	"github.com/zboralski/cfiwatch/internal/monitor"
	"github.com/zboralski/cfiwatch/internal/pe"
	"github.com/zboralski/cfiwatch/internal/ui/colorize"
	"github.com/zboralski/cfiwatch/internal/ui/report"
	"github.com/zboralski/cfiwatch/internal/whitelist"
)

// imageExts are the file extensions cache build extracts.
var imageExts = map[string]bool{
	".exe": true, ".dll": true, ".sys": true, ".drv": true,
	".ocx": true, ".cpl": true, ".scr": true,
}

func showWhitelist(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	path := args[0]
	f, err := pe.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	tables := f.Tables()
	rec := whitelist.NewRecord(path, tables)
	rec.Path = path

	fmt.Println(report.Records([]*whitelist.ModuleRecord{rec}))
	if imps := f.Imports(); len(imps) > 0 {
		fmt.Println(report.Imports(f.ImageBase(), imps))
	}

	all, _ := cmd.Flags().GetBool("all")
	if !all {
		return nil
	}
	const perLine = 6
	addrs := rec.Set.Addresses()
	for i := 0; i < len(addrs); i += perLine {
		var parts []string
		for _, rva := range addrs[i:min(i+perLine, len(addrs))] {
			parts = append(parts, colorize.Address(rec.ImageBase+rva))
		}
		fmt.Println("  " + strings.Join(parts, "  "))
	}
	return nil
}

func cacheBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")
	jobs, _ := cmd.Flags().GetInt("jobs")
	if out == "" {
		if cfg.WhitelistDir == "" {
			return monitor.ErrNoWhitelistDir
		}
		out = filepath.Join(cfg.WhitelistDir, monitor.DumpFile)
	}

	var paths []string
	err = filepath.WalkDir(args[0], func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			glog.L.Warn("walk: " + err.Error())
			return nil
		}
		if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(p))] {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	store := whitelist.NewStore(glog.L)
	if _, err := store.Load(out); err == nil {
		fmt.Printf("%s %s (%d records)\n", colorize.Detail("extending"), out, store.Len())
	}
	n, err := store.Prebuild(cmd.Context(), paths, jobs)
	if err != nil {
		fmt.Printf("%s %v\n", colorize.Detail("skipped:"), err)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	if err := store.Save(out); err != nil {
		return err
	}
	fmt.Printf("%s %d of %d images, %d records -> %s\n",
		colorize.Detail("extracted"), n, len(paths), store.Len(), out)
	return nil
}

func cacheShow(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	store := whitelist.NewStore(glog.L)
	if _, err := store.Load(args[0]); err != nil {
		return err
	}
	var recs []*whitelist.ModuleRecord
	for _, name := range store.Names() {
		if r, ok := store.Get(name); ok {
			recs = append(recs, r)
		}
	}
	fmt.Println(report.Records(recs))
	return nil
}
