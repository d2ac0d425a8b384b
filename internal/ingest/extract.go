package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/jedib0t/go-pretty/v6/table"

	"antigravity/internal/logging"
)

const (
	// scannedTextThreshold: a PDF yielding less text than this is treated as
	// a scan and sent through vision OCR.
	scannedTextThreshold = 500
	maxOCRPages          = 5

	imagePrompt = "Describe this image in detail for a knowledge base. Transcribe any visible text verbatim."
	ocrPrompt   = "This is a scanned document page. Transcribe all text you can read, preserving structure."
)

// Vision describes images through the multimodal model endpoint.
type Vision interface {
	DescribeImage(ctx context.Context, model, prompt, mimeType string, data []byte) (string, error)
}

// Extractor turns a file into plain text for submission.
type Extractor struct {
	vision      Vision
	visionModel string
	logger      logging.Logger
}

// NewExtractor creates an extractor. vision may be nil; image and scanned-PDF
// extraction then fail with OutcomeExtractionFail.
func NewExtractor(vision Vision, visionModel string, logger logging.Logger) *Extractor {
	return &Extractor{vision: vision, visionModel: visionModel, logger: logging.OrNop(logger)}
}

// Extract dispatches on the file extension.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		return extractText(path)
	case ".csv":
		return extractCSV(path)
	case ".png", ".jpg", ".jpeg":
		return e.extractImage(ctx, path)
	case ".pdf":
		return e.extractPDF(ctx, path)
	default:
		return "", fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

// extractText reads the file as UTF-8, replacing invalid bytes.
func extractText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// extractCSV renders the file as a markdown table.
func extractCSV(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	w := table.NewWriter()
	header := make(table.Row, len(records[0]))
	for i, cell := range records[0] {
		header[i] = cell
	}
	w.AppendHeader(header)
	for _, record := range records[1:] {
		row := make(table.Row, len(record))
		for i, cell := range record {
			row[i] = cell
		}
		w.AppendRow(row)
	}
	return w.RenderMarkdown(), nil
}

func (e *Extractor) extractImage(ctx context.Context, path string) (string, error) {
	if e.vision == nil {
		return "", fmt.Errorf("no vision model configured for %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mimeType := "image/png"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".jpg" || ext == ".jpeg" {
		mimeType = "image/jpeg"
	}
	return e.vision.DescribeImage(ctx, e.visionModel, imagePrompt, mimeType, data)
}

// extractPDF pulls text per page; when the document looks scanned it falls
// back to vision OCR over the first pages.
func (e *Extractor) extractPDF(ctx context.Context, path string) (string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	var b strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			e.logger.Warn("PDF %s page %d text failed: %v", filepath.Base(path), i, err)
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	if len(strings.TrimSpace(b.String())) >= scannedTextThreshold {
		return b.String(), nil
	}

	if e.vision == nil {
		if s := strings.TrimSpace(b.String()); s != "" {
			return s, nil
		}
		return "", fmt.Errorf("pdf %s has no extractable text and no vision model", filepath.Base(path))
	}

	e.logger.Info("PDF %s looks scanned (%d chars), OCR via vision model", filepath.Base(path), b.Len())
	var ocr strings.Builder
	pages := doc.NumPage()
	if pages > maxOCRPages {
		pages = maxOCRPages
	}
	for i := 0; i < pages; i++ {
		img, err := doc.Image(i)
		if err != nil {
			e.logger.Warn("PDF %s page %d render failed: %v", filepath.Base(path), i, err)
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			continue
		}
		text, err := e.vision.DescribeImage(ctx, e.visionModel, ocrPrompt, "image/png", buf.Bytes())
		if err != nil {
			return "", fmt.Errorf("ocr page %d: %w", i, err)
		}
		ocr.WriteString(text)
		ocr.WriteString("\n")
	}
	if strings.TrimSpace(ocr.String()) == "" {
		return "", fmt.Errorf("pdf %s produced no text", filepath.Base(path))
	}
	return ocr.String(), nil
}
