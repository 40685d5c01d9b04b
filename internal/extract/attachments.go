package extract

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/propfolio/billintake/internal/model"
)

// maxClassifyConcurrency bounds parallel classification calls for one email.
const maxClassifyConcurrency = 4

// AttachmentsLane extracts PDFs already attached to the email. Cheapest
// lane: no network beyond the optional classification annotation.
type AttachmentsLane struct {
	classifier *Classifier
}

// NewAttachmentsLane creates the attachments lane.
func NewAttachmentsLane(classifier *Classifier) *AttachmentsLane {
	return &AttachmentsLane{classifier: classifier}
}

// Name implements Lane.
func (l *AttachmentsLane) Name() string { return "attachments" }

// Run decodes every PDF-looking attachment, rejects buffers without the
// PDF signature, and annotates survivors with a document classification.
// Per-attachment failures are skipped, never fatal to the lane.
func (l *AttachmentsLane) Run(ctx context.Context, in *LaneInput) model.ExtractionResult {
	trace := model.Trace{}.Add("attachments_started", map[string]any{
		"count": len(in.Email.Attachments),
	})

	var buffers []model.PDFBuffer
	for _, att := range in.Email.Attachments {
		if !claimsPDF(att) {
			trace = trace.Add("attachment_skipped", map[string]any{
				"name":   att.Name,
				"reason": "not a PDF by content type or extension",
			})
			continue
		}

		content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(att.Content))
		if err != nil {
			trace = trace.Add("attachment_skipped", map[string]any{
				"name":   att.Name,
				"reason": "base64 decode failed",
				"error":  err.Error(),
			})
			continue
		}
		if len(content) == 0 {
			trace = trace.Add("attachment_skipped", map[string]any{
				"name":   att.Name,
				"reason": "empty content",
			})
			continue
		}
		if !model.IsPDF(content) {
			trace = trace.Add("attachment_skipped", map[string]any{
				"name":   att.Name,
				"reason": "missing PDF signature",
			})
			continue
		}

		buffers = append(buffers, model.PDFBuffer{Name: att.Name, Content: content})
	}

	if len(buffers) == 0 {
		return model.Failure("No valid PDF attachments found", trace)
	}

	// Classification annotates the trace; it never gates acceptance.
	trace = trace.Merge(l.classifyAll(ctx, in.Email.Attachments, buffers))

	trace = trace.Add("attachments_accepted", map[string]any{
		"accepted": len(buffers),
	})
	zap.L().Info("attachments lane: accepted buffers",
		zap.String("message_id", in.Email.MessageID),
		zap.Int("accepted", len(buffers)),
	)

	return model.ExtractionResult{Success: true, PDFBuffers: buffers, Trace: trace}
}

// classifyAll classifies accepted buffers with bounded concurrency and
// returns their trace entries in buffer order.
func (l *AttachmentsLane) classifyAll(ctx context.Context, atts []model.Attachment, buffers []model.PDFBuffer) model.Trace {
	if l.classifier == nil {
		return nil
	}

	contentTypes := make(map[string]string, len(atts))
	for _, a := range atts {
		contentTypes[a.Name] = a.ContentType
	}

	entries := make([]model.TraceEntry, len(buffers))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxClassifyConcurrency)
	for i, buf := range buffers {
		g.Go(func() error {
			cls := l.classifier.Classify(gCtx, buf.Name, contentTypes[buf.Name])
			entry := model.Trace{}.Add("attachment_classified", map[string]any{
				"name":       buf.Name,
				"type":       string(cls.Type),
				"confidence": cls.Confidence,
			})
			mu.Lock()
			entries[i] = entry[0]
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return model.Trace(entries)
}

// claimsPDF reports whether either the content type or the filename
// extension indicates a PDF. Buffers still must pass the signature check.
func claimsPDF(att model.Attachment) bool {
	if strings.Contains(strings.ToLower(att.ContentType), "application/pdf") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(att.Name), ".pdf")
}
