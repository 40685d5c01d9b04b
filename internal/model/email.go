package model

import (
	"bytes"
	"time"
)

// pdfSignature is the 4-byte magic prefix every PDF file starts with.
var pdfSignature = []byte("%PDF")

// Attachment is a single file attached to an inbound email, as delivered
// by the email webhook. Content is base64-encoded.
type Attachment struct {
	Name          string `json:"name"`
	ContentType   string `json:"content_type"`
	Content       string `json:"content"`
	ContentLength int    `json:"content_length"`
}

// InboundEmail is the normalized webhook payload from the email collaborator.
// Immutable once received.
type InboundEmail struct {
	MessageID   string       `json:"message_id"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Date        time.Time    `json:"date"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// IsPDF reports whether buf begins with the literal PDF signature.
// Filename and content-type claims are not trusted; this is the only
// acceptance criterion for downloaded or decoded content.
func IsPDF(buf []byte) bool {
	return len(buf) >= len(pdfSignature) && bytes.HasPrefix(buf, pdfSignature)
}
