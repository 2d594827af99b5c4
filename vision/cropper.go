package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	lpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/image/draw"

	"github.com/perceptra/docpipe/pipeline_type"
)

const (
	// jpegQuality matches what the downstream vision models were tuned
	// against; lower settings visibly degrade chart text.
	jpegQuality = 95
	pointsPerIn = 72.0
)

// Cropper produces a JPEG crop of one figure region from a PDF on disk.
type Cropper interface {
	Crop(ctx context.Context, pdfPath, scratchDir string, fig *pipeline_type.Figure) ([]byte, error)
}

// PDFCropper extracts the embedded page image and cuts the figure's
// bounding box out of it. Pages without a raster image (pure vector
// content) cannot be cropped and return an error, which the sub-pipeline
// treats as a per-figure failure.
type PDFCropper struct {
	dpi    int
	logger *slog.Logger
}

func NewPDFCropper(dpi int, logger *slog.Logger) *PDFCropper {
	if dpi <= 0 {
		dpi = 300
	}
	return &PDFCropper{dpi: dpi, logger: logger}
}

func (c *PDFCropper) Crop(ctx context.Context, pdfPath, scratchDir string, fig *pipeline_type.Figure) ([]byte, error) {
	if len(fig.Polygon) < 4 || len(fig.Polygon)%2 != 0 {
		return nil, fmt.Errorf("figure %s has malformed polygon (%d coordinates)", fig.ID, len(fig.Polygon))
	}

	pageImg, err := c.extractPageImage(pdfPath, scratchDir, fig)
	if err != nil {
		return nil, err
	}

	pageW, pageH, err := pageDimensions(pdfPath, fig.PageNumber)
	if err != nil {
		return nil, err
	}

	// Polygon coordinates arrive in inches; the page box is in points.
	minX, minY, maxX, maxY := boundingBox(fig.Polygon)
	minX, minY = minX*pointsPerIn, minY*pointsPerIn
	maxX, maxY = maxX*pointsPerIn, maxY*pointsPerIn

	bounds := pageImg.Bounds()
	sx := float64(bounds.Dx()) / pageW
	sy := float64(bounds.Dy()) / pageH

	rect := image.Rect(
		clamp(int(minX*sx), 0, bounds.Dx()),
		clamp(int(minY*sy), 0, bounds.Dy()),
		clamp(int(math.Ceil(maxX*sx)), 0, bounds.Dx()),
		clamp(int(math.Ceil(maxY*sy)), 0, bounds.Dy()),
	)
	if rect.Dx() < 1 || rect.Dy() < 1 {
		return nil, fmt.Errorf("figure %s region is empty after clamping", fig.ID)
	}

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), pageImg, rect.Min, draw.Src)

	// Rescale so the crop lands at the configured DPI regardless of the
	// resolution the page image was embedded at.
	out := c.rescale(crop, float64(bounds.Dx())/(pageW/pointsPerIn))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode figure %s: %w", fig.ID, err)
	}
	return buf.Bytes(), nil
}

// extractPageImage pulls the raster images embedded on the figure's page
// and returns the largest one, which on scanned documents is the full-page
// scan itself.
func (c *PDFCropper) extractPageImage(pdfPath, scratchDir string, fig *pipeline_type.Figure) (image.Image, error) {
	outDir := filepath.Join(scratchDir, fmt.Sprintf("page_%d", fig.PageNumber))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create page image dir: %w", err)
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages := []string{strconv.Itoa(fig.PageNumber)}
	if err := api.ExtractImagesFile(pdfPath, outDir, pages, conf); err != nil {
		return nil, fmt.Errorf("failed to extract images from page %d: %w", fig.PageNumber, err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list page images: %w", err)
	}

	var best image.Image
	bestArea := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(outDir, entry.Name()))
		if err != nil {
			continue
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			continue
		}
		area := img.Bounds().Dx() * img.Bounds().Dy()
		if area > bestArea {
			best, bestArea = img, area
		}
	}
	if best == nil {
		return nil, fmt.Errorf("page %d has no decodable raster image", fig.PageNumber)
	}
	return best, nil
}

func (c *PDFCropper) rescale(img image.Image, currentDPI float64) image.Image {
	if currentDPI <= 0 {
		return img
	}
	factor := float64(c.dpi) / currentDPI
	if math.Abs(factor-1.0) < 0.01 {
		return img
	}
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * factor))
	h := int(math.Round(float64(b.Dy()) * factor))
	if w < 1 || h < 1 {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// pageDimensions reads the page's MediaBox in points.
func pageDimensions(pdfPath string, pageNumber int) (float64, float64, error) {
	f, r, err := lpdf.Open(pdfPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open PDF for page dimensions: %w", err)
	}
	defer f.Close()

	if pageNumber < 1 || pageNumber > r.NumPage() {
		return 0, 0, fmt.Errorf("page %d out of range (document has %d)", pageNumber, r.NumPage())
	}

	box := r.Page(pageNumber).V.Key("MediaBox")
	if box.Len() != 4 {
		// Letter size fallback; scanned documents rarely omit MediaBox
		// but a crop at the wrong scale beats no crop at all.
		return 612, 792, nil
	}
	w := box.Index(2).Float64() - box.Index(0).Float64()
	h := box.Index(3).Float64() - box.Index(1).Float64()
	if w <= 0 || h <= 0 {
		return 612, 792, nil
	}
	return w, h, nil
}

func boundingBox(polygon []float64) (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(polygon); i += 2 {
		minX = math.Min(minX, polygon[i])
		maxX = math.Max(maxX, polygon[i])
		minY = math.Min(minY, polygon[i+1])
		maxY = math.Max(maxY, polygon[i+1])
	}
	return
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
