package extract

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/fetch"
	"github.com/propfolio/billintake/internal/model"
)

// maxLinkCandidates caps how many body URLs the lane will try.
const maxLinkCandidates = 5

// urlPattern finds bare URLs in plain-text or lightly-HTML email bodies.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// skipExtensions are never downloadable bills.
var skipExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".svg": true, ".ico": true, ".css": true, ".js": true,
}

// DirectLinkLane downloads a PDF from a plain URL found in the email body.
// A strict subset of the agentic lane's guardrail-free path: one GET per
// candidate, no interaction, no retries beyond the transport layer.
type DirectLinkLane struct {
	fetcher *fetch.Fetcher
}

// NewDirectLinkLane creates the direct link lane.
func NewDirectLinkLane(fetcher *fetch.Fetcher) *DirectLinkLane {
	return &DirectLinkLane{fetcher: fetcher}
}

// Name implements Lane.
func (l *DirectLinkLane) Name() string { return "direct_link" }

// Run tries body URLs in document order and returns the first buffer that
// passes the PDF signature check, tagged with its source URL.
func (l *DirectLinkLane) Run(ctx context.Context, in *LaneInput) model.ExtractionResult {
	candidates := findLinkCandidates(in.Email.Body)
	trace := model.Trace{}.Add("direct_link_started", map[string]any{
		"candidates": len(candidates),
	})

	if len(candidates) == 0 {
		return model.Failure("no downloadable links found in email body", trace)
	}

	for _, link := range candidates {
		content, err := l.fetcher.DownloadPDF(ctx, link, nil)
		if err != nil {
			trace = trace.Add("link_failed", map[string]any{
				"url":   link,
				"error": err.Error(),
			})
			continue
		}

		name := fileNameFromURL(link)
		trace = trace.Add("link_downloaded", map[string]any{
			"url":   link,
			"name":  name,
			"bytes": len(content),
		})
		zap.L().Info("direct link lane: downloaded PDF",
			zap.String("message_id", in.Email.MessageID),
			zap.String("url", link),
			zap.Int("bytes", len(content)),
		)

		return model.ExtractionResult{
			Success:    true,
			PDFBuffers: []model.PDFBuffer{{Name: name, Content: content, URL: link}},
			Trace:      trace,
		}
	}

	return model.Failure("no link yielded a valid PDF", trace)
}

// findLinkCandidates extracts plausible download URLs from the body,
// preserving document order, deduplicated and capped.
func findLinkCandidates(body string) []string {
	matches := urlPattern.FindAllString(body, -1)
	seen := make(map[string]bool)
	var out []string

	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?")
		u, err := url.Parse(m)
		if err != nil || u.Hostname() == "" {
			continue
		}
		if skipExtensions[strings.ToLower(path.Ext(u.Path))] {
			continue
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
		if len(out) == maxLinkCandidates {
			break
		}
	}
	return out
}

// fileNameFromURL derives a buffer name from the URL path, falling back to
// a timestamped synthetic name.
func fileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			if !strings.HasSuffix(strings.ToLower(base), ".pdf") {
				base += ".pdf"
			}
			return base
		}
	}
	return fmt.Sprintf("document-%d.pdf", time.Now().Unix())
}
