// Package colorize provides syntax highlighting for disassembly output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

func init() {
	// Register our custom disassembly style on package initialization
	_ = DisasmDark
}

// IDA-style theme colors
const (
	IDAAddress  = "#808080" // Gray for addresses
	IDAMnemonic = "#FFFFFF" // White for mnemonics
	IDARegister = "#87CEEB" // Light blue for registers
	IDANumber   = "#FF80C0" // Light pink for numbers
	IDALabel    = "#FFC800" // Yellow for labels/module names
	IDAComment  = "#FF8000" // Orange for comments
	IDAMiss     = "#FF5050" // Red for policy misses
)

// DisasmDark is a custom style for disassembly - IDA Pro style
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           IDAMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        IDAComment,
	chroma.CommentPreproc: IDAComment,

	// NASM lexer mappings
	chroma.Keyword:       IDAMnemonic, // mnemonics
	chroma.KeywordPseudo: IDAMnemonic,
	chroma.Name:          IDARegister, // eax, esp, ...
	chroma.NameBuiltin:   IDARegister, // segment registers
	chroma.NameVariable:  IDARegister,

	chroma.LiteralNumber:        IDANumber,
	chroma.LiteralNumberHex:     IDANumber,
	chroma.LiteralNumberInteger: IDANumber,

	chroma.NameLabel:    IDALabel,
	chroma.NameFunction: IDAMnemonic,
	chroma.Operator:     IDAMnemonic,
	chroma.Punctuation:  IDAMnemonic, // brackets of memory operands
	chroma.Error:        IDAMiss,
}))
