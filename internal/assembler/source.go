package assembler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/local/combinepdf/internal/pagerange"
)

// Source is one contributor to the output document. The set of
// implementations is closed: *PDFSource, *ImageSource and *BlankSource.
type Source interface {
	// Pages is the number of output pages the source contributes.
	Pages() int
	// Kind is "pdf", "image" or "blank".
	Kind() string
	String() string
	isSource()
}

// PDFSource contributes the pages of an existing PDF selected by Ranges.
type PDFSource struct {
	Path      string
	PageCount int
	Ranges    pagerange.Expression
}

// NewPDFSource reads the page count of the PDF at path and selects all pages.
func NewPDFSource(path string) (*PDFSource, error) {
	n, err := readPageCount(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	return &PDFSource{Path: path, PageCount: n, Ranges: pagerange.All(n)}, nil
}

// SelectAll selects every page once, in document order.
func (p *PDFSource) SelectAll() { p.Ranges = pagerange.All(p.PageCount) }

// Select parses text against the source's page count and replaces the
// selection. On error the previous selection is left untouched.
func (p *PDFSource) Select(text string) error {
	e, err := pagerange.Parse(text, p.PageCount)
	if err != nil {
		return err
	}
	p.Ranges = e
	return nil
}

func (p *PDFSource) Pages() int   { return p.Ranges.Pages() }
func (p *PDFSource) Kind() string { return "pdf" }
func (p *PDFSource) String() string {
	return fmt.Sprintf("%s [%s]", filepath.Base(p.Path), p.Ranges)
}
func (*PDFSource) isSource() {}

// ImageSource contributes one page holding the image at Path.
type ImageSource struct {
	Path string
}

// NewImageSource returns an image source; the image is decoded at assembly time.
func NewImageSource(path string) *ImageSource { return &ImageSource{Path: path} }

func (*ImageSource) Pages() int       { return 1 }
func (*ImageSource) Kind() string     { return "image" }
func (s *ImageSource) String() string { return filepath.Base(s.Path) }
func (*ImageSource) isSource()        {}

// BlankSource contributes one empty page.
type BlankSource struct{}

func (*BlankSource) Pages() int     { return 1 }
func (*BlankSource) Kind() string   { return "blank" }
func (*BlankSource) String() string { return "blank page" }
func (*BlankSource) isSource()      {}

// List is an ordered source list; each source's pages precede the next one's.
type List []Source

// PageCount returns the number of pages the assembled document will have.
func (l List) PageCount() int {
	n := 0
	for _, s := range l {
		n += s.Pages()
	}
	return n
}

func readPageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return api.PageCount(f, newConfiguration())
}
