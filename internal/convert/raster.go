package convert

import (
	"fmt"
	"image"
	"os"

	// Register decoders for the single-page raster formats the pipeline
	// accepts. TIFF decode is also registered for the single-image case,
	// though multi-page TIFFs go through MuPDF.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/pagemill/pagemill/internal/domain"
)

// decodeRaster decodes a single-page raster image from disk.
func decodeRaster(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.InputError(fmt.Sprintf("open image %s", path), err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, domain.InputError(fmt.Sprintf("decode image %s", path), err)
	}
	return img, nil
}
