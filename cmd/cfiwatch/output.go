package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/cfiwatch/internal/cfi"
	"github.com/zboralski/cfiwatch/internal/emulator"
	"github.com/zboralski/cfiwatch/internal/instrument"
	"github.com/zboralski/cfiwatch/internal/trace"
	"github.com/zboralski/cfiwatch/internal/ui/colorize"
)

type traceCollector struct {
	mu     sync.Mutex
	events []*trace.Event
}

func (tc *traceCollector) Add(e *trace.Event) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, e)
}

func (tc *traceCollector) GetAndClear() []*trace.Event {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	events := tc.events
	tc.events = nil
	return events
}

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write queues a line. Lines are dropped when the writer falls behind.
func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func instructionTags(st instrument.Step) []string {
	if !st.Decoded {
		return nil
	}
	var tags []string
	if st.Branch {
		switch st.Op {
		case cfi.OpCall:
			tags = append(tags, "#call")
		case cfi.OpCallIndirect, cfi.OpCallFarIndirect, cfi.OpCallFar:
			tags = append(tags, "#call", "#indirect")
		case cfi.OpJmpIndirect, cfi.OpJmpFarIndirect:
			tags = append(tags, "#jmp", "#indirect")
		case cfi.OpRet:
			tags = append(tags, "#ret")
		}
	}
	switch st.Inst.Op {
	case x86asm.XOR, x86asm.PXOR, x86asm.XORPS:
		if st.Inst.Args[0] != st.Inst.Args[1] {
			tags = append(tags, "#xor")
		}
	case x86asm.INT, x86asm.SYSENTER, x86asm.SYSCALL:
		tags = append(tags, "#syscall")
	}
	if st.Stub != "" {
		tags = append(tags, "#stub")
	}
	return tags
}

func isBlockEnd(st instrument.Step) bool {
	if !st.Decoded {
		return false
	}
	switch st.Inst.Op {
	case x86asm.RET, x86asm.JMP, x86asm.LJMP, x86asm.LRET, x86asm.IRETD:
		return true
	}
	return false
}

func disasm(st instrument.Step, stubNames map[uint32]string) string {
	if !st.Decoded {
		return fmt.Sprintf("db %s", strings.TrimSpace(fmt.Sprintf("% x", st.Code)))
	}
	return x86asm.IntelSyntax(st.Inst, uint64(st.Addr), func(addr uint64) (string, uint64) {
		if name, ok := stubNames[uint32(addr)]; ok {
			return name, addr
		}
		return "", 0
	})
}

func formatLine(st instrument.Step, stubNames map[uint32]string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0

	b.WriteString(colorize.Address(st.Addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	const bytesCol = 16
	hexBytes := fmt.Sprintf("%X", st.Code)
	if len(hexBytes) > bytesCol {
		hexBytes = hexBytes[:bytesCol-1] + "+"
	}
	b.WriteString(colorize.HexBytes(hexBytes))
	for i := len(hexBytes); i < bytesCol+2; i++ {
		b.WriteByte(' ')
	}
	visibleLen += bytesCol + 2

	dis := disasm(st, stubNames)
	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 64
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	var comments []string
	violation := false
	for _, e := range events {
		if e.Detail != "" {
			comments = append(comments, e.Detail)
		}
		if e.Tags.Has(trace.Miss) || e.Tags.Has(trace.Invariant) {
			violation = true
			comments = append(comments, fmt.Sprintf("-> 0x%08x", e.Target))
		}
	}

	allTags := instructionTags(st)
	for _, e := range events {
		allTags = append(allTags, e.Tags.Strings()...)
	}

	if len(comments) > 0 || len(allTags) > 0 {
		var commentParts []string
		if len(allTags) > 0 {
			commentParts = append(commentParts, strings.Join(allTags, " "))
		}
		if len(comments) > 0 {
			commentParts = append(commentParts, strings.Join(comments, ", "))
		}

		comment := "; " + strings.Join(commentParts, " ")
		if violation {
			b.WriteString(colorize.Violation(comment))
		} else {
			b.WriteString(colorize.Comment(comment))
		}
		b.WriteString("  ")
	}

	if st.Stub != "" {
		b.WriteString(colorize.FuncName(st.Stub))
	}

	return b.String()
}

func printHeader(w *outputWriter, path string, img *emulator.Image, numStubs, entries, cached int) {
	w.Write("")
	w.Write(fmt.Sprintf("%s cfiwatch ─ x86 control-flow integrity trace", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Loading:"), relPath(path)))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(img.Base),
		colorize.Detail("Entry:"), colorize.Address(img.Entry)))
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s  %s %s",
		colorize.Detail("Imports:"), colorize.FuncName(fmt.Sprintf("%d", len(img.Imports))),
		colorize.Detail("Stubs:"), colorize.FuncName(fmt.Sprintf("%d", numStubs)),
		colorize.Detail("Whitelist:"), colorize.FuncName(fmt.Sprintf("%d", entries)),
		colorize.Detail("Cached:"), colorize.FuncName(fmt.Sprintf("%d", cached))))
	w.Write("")
}

func printStats(path string, count, stubCalls int, st cfi.Stats, err error) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s  %s insn  %s stub  %s ret  %s indirect",
		colorize.FuncName(relPath(path)),
		colorize.FuncName(fmt.Sprintf("%d", count)),
		colorize.FuncName(fmt.Sprintf("%d", stubCalls)),
		colorize.FuncName(fmt.Sprintf("%d", st.Returns)),
		colorize.FuncName(fmt.Sprintf("%d", st.Indirect)))
	if st.Violations > 0 {
		fmt.Printf("  %s", colorize.Violation(fmt.Sprintf("%d violations", st.Violations)))
	} else {
		fmt.Printf("  %s", colorize.Detail("clean"))
	}
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "UC_ERR_READ_UNMAPPED") || strings.Contains(errStr, "UC_ERR_FETCH_UNMAPPED") {
			fmt.Printf("  %s", colorize.Detail(errStr))
		} else {
			fmt.Printf("  %s", colorize.Error(errStr))
		}
	}
	fmt.Println()
}
