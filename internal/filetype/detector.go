package filetype

import (
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Kind classifies a source file by what the assembler can do with it.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindImage       Kind = "image"
	KindUnsupported Kind = "unsupported"
)

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Kind        Kind
	Description string
}

// Supported reports whether the file can be added to a document.
func (i *FileTypeInfo) Supported() bool { return i.Kind != KindUnsupported }

// image formats with a registered decoder in imagepdf
var imageTypes = map[string]string{
	"image/jpeg": "JPEG image",
	"image/png":  "PNG image",
	"image/gif":  "GIF image",
	"image/bmp":  "BMP image",
	"image/tiff": "TIFF image",
	"image/webp": "WebP image",
}

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// Detect detects the actual file type using magic bytes, not filename
func (d *Detector) Detect(filePath string) (*FileTypeInfo, error) {
	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	log.Debug().Str("mime", mtype.String()).Str("ext", mtype.Extension()).Str("file", filePath).Msg("detected file type")
	return classify(mtype), nil
}

// DetectReader detects the type of the content read from r.
func (d *Detector) DetectReader(r io.Reader) (*FileTypeInfo, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	return classify(mtype), nil
}

func classify(mtype *mimetype.MIME) *FileTypeInfo {
	info := &FileTypeInfo{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
		Kind:      KindUnsupported,
	}

	// mimetype may report a parameterised or aliased type, so walk up the
	// hierarchy until something is recognised.
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("application/pdf") {
			info.Kind = KindPDF
			info.Description = "PDF document"
			return info
		}
		for name, desc := range imageTypes {
			if m.Is(name) {
				info.Kind = KindImage
				info.Description = desc
				return info
			}
		}
	}

	info.Description = fmt.Sprintf("Unsupported file type: %s", info.MIMEType)
	return info
}
