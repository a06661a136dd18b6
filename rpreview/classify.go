package rpreview

import (
	"path/filepath"

	"golang.org/x/text/cases"

	"github.com/ShoshinNikita/rpreview/pkg/misc"
)

type Category int

const (
	CategoryUnsupported Category = iota
	CategoryImage
	CategoryText
	CategoryPDFLike
)

func (c Category) String() string {
	switch c {
	case CategoryImage:
		return "image"
	case CategoryText:
		return "text"
	case CategoryPDFLike:
		return "pdf_like"
	default:
		return "unsupported"
	}
}

// ExtensionTable maps file extensions to preview categories. The zero value classifies
// every file as unsupported.
type ExtensionTable struct {
	image          map[string]struct{}
	text           map[string]struct{}
	pdf            map[string]struct{}
	wordProcessing map[string]struct{}
}

type ExtensionTableOptions struct {
	Image          []string
	Text           []string
	PDF            []string
	WordProcessing []string
}

func NewExtensionTable(opts ExtensionTableOptions) ExtensionTable {
	return ExtensionTable{
		image:          newExtensionSet(opts.Image),
		text:           newExtensionSet(opts.Text),
		pdf:            newExtensionSet(opts.PDF),
		wordProcessing: newExtensionSet(opts.WordProcessing),
	}
}

func DefaultExtensionTable() ExtensionTable {
	return NewExtensionTable(ExtensionTableOptions{
		Image: []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tif", ".tiff"},
		Text: []string{
			".txt", ".md", ".markdown", ".log", ".csv", ".json", ".yaml", ".yml", ".xml", ".ini", ".toml",
			".go", ".py", ".js", ".ts", ".c", ".h", ".cpp", ".rs", ".java", ".sh", ".html", ".css", ".sql",
		},
		PDF:            []string{".pdf"},
		WordProcessing: []string{".doc", ".docx", ".odt", ".rtf"},
	})
}

func newExtensionSet(exts []string) map[string]struct{} {
	res := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		res[foldExt(misc.EnsurePrefix(ext, "."))] = struct{}{}
	}
	return res
}

// Classify returns the preview category of a file by its name. It never fails:
// unknown extensions are unsupported.
func (t ExtensionTable) Classify(name string) Category {
	ext := GetExt(name)
	switch {
	case ext == "":
		return CategoryUnsupported
	case contains(t.image, ext):
		return CategoryImage
	case contains(t.text, ext):
		return CategoryText
	case contains(t.pdf, ext), contains(t.wordProcessing, ext):
		return CategoryPDFLike
	default:
		return CategoryUnsupported
	}
}

// IsWordProcessing reports whether the file is a pdf-like document that must be converted
// before rendering.
func (t ExtensionTable) IsWordProcessing(name string) bool {
	return contains(t.wordProcessing, GetExt(name))
}

func contains(set map[string]struct{}, ext string) bool {
	_, ok := set[ext]
	return ok
}

// GetExt returns the case-folded extension of a file, for example, ".pdf".
func GetExt(name string) string {
	return foldExt(filepath.Ext(name))
}

func foldExt(ext string) string {
	// cases.Caser is stateful, so we can't share it.
	return cases.Fold().String(ext)
}
