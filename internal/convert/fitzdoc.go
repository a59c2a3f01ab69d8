package convert

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"

	"github.com/pagemill/pagemill/internal/domain"
)

// pageRenderer renders one page at a time from a multi-page document.
// Implementations are not safe for concurrent use; a renderer belongs to
// exactly one job.
type pageRenderer interface {
	PageCount() int
	RenderPage(n int) (image.Image, error)
	Close() error
}

// fitzRenderer renders PDF and multi-page TIFF documents through MuPDF.
type fitzRenderer struct {
	doc *fitz.Document
}

// openFitz opens a document with go-fitz. MuPDF handles both PDFs and
// multi-page TIFFs, so both formats share this renderer.
func openFitz(path string) (*fitzRenderer, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, domain.InputError(fmt.Sprintf("open document %s", path), err)
	}
	if doc.NumPage() == 0 {
		doc.Close()
		return nil, domain.InputError(fmt.Sprintf("document has no pages: %s", path), nil)
	}
	return &fitzRenderer{doc: doc}, nil
}

func (r *fitzRenderer) PageCount() int {
	return r.doc.NumPage()
}

// RenderPage rasterizes the zero-based page n at MuPDF's default DPI, which
// is already well above thumbnail resolution.
func (r *fitzRenderer) RenderPage(n int) (image.Image, error) {
	img, err := r.doc.Image(n)
	if err != nil {
		return nil, domain.PartialError(fmt.Sprintf("render page %d", n+1), err)
	}
	return img, nil
}

func (r *fitzRenderer) Close() error {
	if r.doc != nil {
		r.doc.Close()
		r.doc = nil
	}
	return nil
}

// rasterRenderer adapts a decoded single-page image to the renderer
// contract so the engine has one page loop.
type rasterRenderer struct {
	img image.Image
}

func (r *rasterRenderer) PageCount() int { return 1 }

func (r *rasterRenderer) RenderPage(n int) (image.Image, error) {
	if n != 0 {
		return nil, domain.PartialError(fmt.Sprintf("page %d out of range", n+1), nil)
	}
	return r.img, nil
}

func (r *rasterRenderer) Close() error {
	r.img = nil
	return nil
}
