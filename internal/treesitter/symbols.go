// Package treesitter provides tree-sitter based code parsing for structural
// qxol extraction. Used to build project-wide context for LLM awareness.
package treesitter

// QxolKind classifies extracted qxols.
type QxolKind int

const (
	KindPackage QxolKind = iota
	KindImport
	KindFunction
	KindMethod
	KindType
	KindStruct
	KindInterface
	KindConst
	KindVar
)

// Qxol represents a single extracted code qxol.
type Qxol struct {
	Name      string
	Kind      QxolKind
	Signature string // e.g. "func (p *Proxy) CallTool(ctx context.Context, ...)"
	StartLine int    // 1-indexed
	EndLine   int    // 1-indexed
	Receiver  string // method receiver type, empty for functions
	Children  []Qxol
}

// String returns a short label for the qxol kind.
func (k QxolKind) String() string {
	switch k {
	case KindPackage:
		return "pkg"
	case KindImport:
		return "import"
	case KindFunction:
		return "func"
	case KindMethod:
		return "method"
	case KindType:
		return "type"
	case KindStruct:
		return "struct"
	case KindInterface:
		return "interface"
	case KindConst:
		return "const"
	case KindVar:
		return "var"
	default:
		return "unknown"
	}
}
