package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// getAssemblyLexer returns an x86 assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"nasm", "gas", "GAS"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("CFIWATCH_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes an x86 instruction using Chroma
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a 32-bit guest address in yellow
func Address(addr uint32) string {
	return rgb(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// Tag formats a hashtag in light pink
func Tag(tag string) string { return rgb(255, 180, 200, tag) }

// FuncName formats a module or API name in yellow
func FuncName(name string) string { return rgb(255, 200, 0, name) }

// Detail formats detail text in light gray
func Detail(detail string) string { return rgb(180, 180, 180, detail) }

// Violation formats a policy miss in red
func Violation(s string) string { return rgb(255, 80, 80, s) }

// Border formats border characters in dark gray
func Border(s string) string { return rgb(80, 80, 80, s) }

// Comment formats comments in white
func Comment(s string) string { return rgb(255, 255, 255, s) }

// Header formats header text in blue
func Header(s string) string { return rgb(86, 156, 214, s) }

// HexBytes formats opcode bytes in light gray
func HexBytes(s string) string { return rgb(180, 180, 180, s) }

// Error formats error messages in pink
func Error(s string) string { return rgb(255, 128, 192, s) }
