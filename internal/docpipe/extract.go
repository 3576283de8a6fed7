package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/procurewatch/tendercrawl/internal/retry"
)

// ExtractorConfig controls text extraction.
type ExtractorConfig struct {
	// PdftotextPath locates the poppler pdftotext binary. Default "pdftotext".
	PdftotextPath string
}

// Extractor converts fetched payloads to plain text. PDF payloads are
// validated with pdfcpu before the subprocess runs so garbage from the
// portal fails fast.
type Extractor struct {
	pdftotext string
}

// NewExtractor builds an extractor.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	path := cfg.PdftotextPath
	if path == "" {
		path = "pdftotext"
	}
	return &Extractor{pdftotext: path}
}

// Extract dispatches on the reported content type, sniffing the payload
// when the portal mislabeled or omitted it.
func (e *Extractor) Extract(ctx context.Context, payload []byte, contentType string) (string, error) {
	switch classifyPayload(payload, contentType) {
	case payloadPDF:
		return e.extractPDF(ctx, payload)
	case payloadHTML:
		return extractHTML(payload)
	case payloadText:
		return string(payload), nil
	default:
		return "", retry.MarkPermanent(fmt.Errorf("unsupported content type %q", contentType))
	}
}

type payloadKind int

const (
	payloadUnknown payloadKind = iota
	payloadPDF
	payloadHTML
	payloadText
)

func classifyPayload(payload []byte, contentType string) payloadKind {
	if kind, ok := kindForMedia(contentType); ok {
		return kind
	}
	if kind, ok := kindForMedia(http.DetectContentType(payload)); ok {
		return kind
	}
	return payloadUnknown
}

func kindForMedia(contentType string) (payloadKind, bool) {
	media, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(media)) {
	case "application/pdf":
		return payloadPDF, true
	case "text/html", "application/xhtml+xml":
		return payloadHTML, true
	case "text/plain", "text/csv":
		return payloadText, true
	}
	return payloadUnknown, false
}

func (e *Extractor) extractPDF(ctx context.Context, payload []byte) (string, error) {
	// A truncated download fails validation here; refetching usually fixes
	// it.
	if _, err := api.PageCount(bytes.NewReader(payload), nil); err != nil {
		return "", retry.MarkTransient(fmt.Errorf("pdf validation: %w", err), 0)
	}

	tmp, err := os.CreateTemp("", "tendercrawl-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp pdf: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp pdf: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp pdf: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.pdftotext, "-layout", "-enc", "UTF-8", tmp.Name(), "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", retry.MarkTransient(
			fmt.Errorf("pdftotext: %w: %s", err, strings.TrimSpace(stderr.String())), 0)
	}
	return stdout.String(), nil
}

func extractHTML(payload []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return "", retry.MarkPermanent(fmt.Errorf("parse html: %w", err))
	}
	doc.Find("script, style, noscript").Remove()
	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}
	return collapseWhitespace(text), nil
}

// collapseWhitespace squeezes blank runs so stored text stays diffable.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
