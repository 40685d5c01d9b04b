package extract

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propfolio/billintake/internal/model"
)

func pdfAttachment(name string) model.Attachment {
	return model.Attachment{
		Name:        name,
		ContentType: "application/pdf",
		Content:     base64.StdEncoding.EncodeToString([]byte("%PDF-1.7\nfake body")),
	}
}

func TestAttachmentsLaneAcceptsValidPDFs(t *testing.T) {
	lane := NewAttachmentsLane(nil)
	in := &LaneInput{Email: model.InboundEmail{
		MessageID: "m1",
		Attachments: []model.Attachment{
			pdfAttachment("invoice.pdf"),
			pdfAttachment("statement.pdf"),
		},
	}}

	res := lane.Run(context.Background(), in)
	require.True(t, res.Success)
	require.Len(t, res.PDFBuffers, 2)
	assert.Equal(t, "invoice.pdf", res.PDFBuffers[0].Name)
	assert.True(t, model.IsPDF(res.PDFBuffers[0].Content))
}

func TestAttachmentsLaneSkipsNonPDFClaims(t *testing.T) {
	lane := NewAttachmentsLane(nil)
	in := &LaneInput{Email: model.InboundEmail{
		Attachments: []model.Attachment{
			{Name: "logo.png", ContentType: "image/png", Content: base64.StdEncoding.EncodeToString([]byte("pngdata"))},
			pdfAttachment("bill.pdf"),
		},
	}}

	res := lane.Run(context.Background(), in)
	require.True(t, res.Success)
	require.Len(t, res.PDFBuffers, 1)
	assert.Equal(t, "bill.pdf", res.PDFBuffers[0].Name)
}

func TestAttachmentsLaneRejectsBadSignature(t *testing.T) {
	lane := NewAttachmentsLane(nil)
	in := &LaneInput{Email: model.InboundEmail{
		Attachments: []model.Attachment{
			// Claims to be a PDF but carries HTML bytes.
			{Name: "fake.pdf", ContentType: "application/pdf", Content: base64.StdEncoding.EncodeToString([]byte("<html>gotcha</html>"))},
		},
	}}

	res := lane.Run(context.Background(), in)
	assert.False(t, res.Success)
	assert.Equal(t, "No valid PDF attachments found", res.Error)
}

func TestAttachmentsLaneSkipsBadBase64AndEmpty(t *testing.T) {
	lane := NewAttachmentsLane(nil)
	in := &LaneInput{Email: model.InboundEmail{
		Attachments: []model.Attachment{
			{Name: "broken.pdf", ContentType: "application/pdf", Content: "!!!not-base64!!!"},
			{Name: "empty.pdf", ContentType: "application/pdf", Content: ""},
			pdfAttachment("good.pdf"),
		},
	}}

	res := lane.Run(context.Background(), in)
	require.True(t, res.Success)
	require.Len(t, res.PDFBuffers, 1)
	assert.Equal(t, "good.pdf", res.PDFBuffers[0].Name)

	var skipped int
	for _, e := range res.Trace {
		if e.Step == "attachment_skipped" {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)
}

func TestAttachmentsLaneNoAttachments(t *testing.T) {
	lane := NewAttachmentsLane(nil)
	res := lane.Run(context.Background(), &LaneInput{Email: model.InboundEmail{}})
	assert.False(t, res.Success)
	assert.Equal(t, "No valid PDF attachments found", res.Error)
}

func TestAttachmentsLaneClassificationAnnotates(t *testing.T) {
	ai := &fakeAI{responses: []string{`{"type": "invoice", "confidence": 0.9}`}}
	lane := NewAttachmentsLane(NewClassifier(ai, testAnthropicConfig()))

	in := &LaneInput{Email: model.InboundEmail{
		Attachments: []model.Attachment{pdfAttachment("doc-991.pdf")},
	}}
	res := lane.Run(context.Background(), in)
	require.True(t, res.Success)

	var found bool
	for _, e := range res.Trace {
		if e.Step == "attachment_classified" {
			found = true
			assert.Equal(t, "invoice", e.Data["type"])
		}
	}
	assert.True(t, found, "expected an attachment_classified trace entry")
}

func TestClaimsPDF(t *testing.T) {
	assert.True(t, claimsPDF(model.Attachment{ContentType: "application/pdf"}))
	assert.True(t, claimsPDF(model.Attachment{ContentType: "application/pdf; charset=binary"}))
	assert.True(t, claimsPDF(model.Attachment{Name: "Bill.PDF", ContentType: "application/octet-stream"}))
	assert.False(t, claimsPDF(model.Attachment{Name: "bill.csv", ContentType: "text/csv"}))
}
