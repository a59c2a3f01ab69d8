package convert

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pagemill/pagemill/internal/domain"
)

// Format identifies a supported input document format.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatBMP  Format = "bmp"
	FormatWebP Format = "webp"
	FormatTIFF Format = "tiff"
	FormatPDF  Format = "pdf"
)

// multiPage reports whether the format can contain more than one page.
func (f Format) multiPage() bool {
	return f == FormatTIFF || f == FormatPDF
}

var extFormats = map[string]Format{
	".png":  FormatPNG,
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".bmp":  FormatBMP,
	".webp": FormatWebP,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
	".pdf":  FormatPDF,
}

// ValidateInput checks that path names a readable regular file.
func ValidateInput(path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.InputError("input path cannot be empty", nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.InputError(fmt.Sprintf("input file does not exist: %s", path), err)
		}
		return domain.InputError(fmt.Sprintf("cannot access input file: %s", path), err)
	}
	if info.IsDir() {
		return domain.InputError(fmt.Sprintf("input path is a directory: %s", path), nil)
	}
	return nil
}

// DetectFormat determines the input format from the file's leading bytes,
// falling back to the extension for container formats the magic numbers
// cannot distinguish. Unknown formats are an unsupported-format error.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", domain.InputError(fmt.Sprintf("open input file: %s", path), err)
	}
	defer f.Close()

	header := make([]byte, 16)
	n, _ := f.Read(header)
	header = header[:n]

	if format, ok := sniffHeader(header); ok {
		return format, nil
	}
	if format, ok := extFormats[strings.ToLower(filepath.Ext(path))]; ok {
		return format, nil
	}
	return "", domain.UnsupportedError(
		fmt.Sprintf("unsupported file format: %s", filepath.Base(path)), nil)
}

func sniffHeader(header []byte) (Format, bool) {
	switch {
	case bytes.HasPrefix(header, []byte("%PDF")):
		return FormatPDF, true
	case bytes.HasPrefix(header, []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG, true
	case bytes.HasPrefix(header, []byte("\xff\xd8\xff")):
		return FormatJPEG, true
	case bytes.HasPrefix(header, []byte("II*\x00")),
		bytes.HasPrefix(header, []byte("MM\x00*")):
		return FormatTIFF, true
	case bytes.HasPrefix(header, []byte("BM")):
		return FormatBMP, true
	case len(header) >= 12 &&
		bytes.Equal(header[0:4], []byte("RIFF")) &&
		bytes.Equal(header[8:12], []byte("WEBP")):
		return FormatWebP, true
	}
	return "", false
}
