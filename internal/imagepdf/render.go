// Package imagepdf turns still images and blank pages into single-page PDF
// documents of a fixed page format.
package imagepdf

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/jung-kurt/gofpdf"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode is matched by errors caused by unreadable image data.
var ErrDecode = errors.New("image decode failed")

const (
	imageName = "source"
	creator   = "combinepdf"
)

// Options controls how an image is placed on its page.
type Options struct {
	Page         Size
	Margin       float64
	StretchSmall bool
}

// DefaultOptions places images on a portrait A4 page without margin.
func DefaultOptions() Options {
	return Options{Page: A4(false)}
}

func (o Options) page() Size {
	if o.Page.Width <= 0 || o.Page.Height <= 0 {
		return A4(false)
	}
	return o.Page
}

// Render reads an image from r and writes a single-page PDF containing it to w.
// One image pixel maps to one PDF unit before scaling.
func Render(w io.Writer, r io.Reader, opts Options) (Layout, error) {
	page := opts.page()
	if err := CheckMargin(page, opts.Margin); err != nil {
		return Layout{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Layout{}, fmt.Errorf("%w: empty image %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}

	// gofpdf embeds JPEG as is; everything else goes in as 8-bit PNG.
	imgType, payload := "JPG", data
	if format != "jpeg" {
		payload, err = toPNG(data)
		if err != nil {
			return Layout{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		imgType = "PNG"
	}

	layout := Fit(float64(cfg.Width), float64(cfg.Height), page, opts.Margin, opts.StretchSmall)

	pdf := newDocument(page)
	imgOpts := gofpdf.ImageOptions{ImageType: imgType}
	pdf.RegisterImageOptionsReader(imageName, imgOpts, bytes.NewReader(payload))
	// gofpdf measures y from the top edge.
	top := page.Height - layout.Y - layout.Height
	pdf.ImageOptions(imageName, layout.X, top, layout.Width, layout.Height, false, imgOpts, 0, "")
	if pdf.Err() {
		return Layout{}, fmt.Errorf("%w: %v", ErrDecode, pdf.Error())
	}

	log.Debug().
		Str("format", format).
		Int("width_px", cfg.Width).
		Int("height_px", cfg.Height).
		Float64("scale", layout.Scale).
		Float64("x", layout.X).
		Float64("y", layout.Y).
		Msg("placed image on page")

	if err := pdf.Output(w); err != nil {
		return Layout{}, fmt.Errorf("write image page: %w", err)
	}
	return layout, nil
}

// RenderFile renders the image at path and returns the PDF bytes.
func RenderFile(path string, opts Options) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := Render(&buf, f, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Blank writes a single empty page of the given size to w.
func Blank(w io.Writer, page Size) error {
	if page.Width <= 0 || page.Height <= 0 {
		page = A4(false)
	}
	pdf := newDocument(page)
	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.Output(w)
}

func newDocument(page Size) *gofpdf.Fpdf {
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: page.Width, Ht: page.Height},
	})
	pdf.SetCreator(creator, false)
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	return pdf
}

func toPNG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
