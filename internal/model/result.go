package model

import "time"

// TraceEntry is a single append-only audit record emitted by a lane or the
// orchestrator. Data is arbitrary step-specific detail.
type TraceEntry struct {
	Step      string         `json:"step"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Trace is an ordered list of trace entries.
type Trace []TraceEntry

// Add appends an entry stamped with the current time and returns the
// extended trace.
func (t Trace) Add(step string, data map[string]any) Trace {
	return append(t, TraceEntry{
		Step:      step,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Merge appends all entries from other, preserving their timestamps.
func (t Trace) Merge(other Trace) Trace {
	return append(t, other...)
}

// PDFBuffer is a validated PDF payload produced by a lane. URL is set when
// the buffer was fetched rather than decoded from an attachment.
type PDFBuffer struct {
	Name    string `json:"name"`
	Content []byte `json:"-"`
	URL     string `json:"url,omitempty"`
}

// ExtractionResult is the uniform outcome of one lane invocation, and of
// the orchestrator's merged run.
type ExtractionResult struct {
	Success    bool        `json:"success"`
	PDFBuffers []PDFBuffer `json:"pdf_buffers,omitempty"`
	Error      string      `json:"error,omitempty"`
	Trace      Trace       `json:"trace"`
}

// Failure builds a failed result carrying the given trace.
func Failure(msg string, trace Trace) ExtractionResult {
	return ExtractionResult{Success: false, Error: msg, Trace: trace}
}

// PinMethod identifies how a PIN was derived.
type PinMethod string

const (
	PinMethodAI      PinMethod = "ai"
	PinMethodPattern PinMethod = "pattern"
)

// PinExtractionResult is a derived portal access PIN with provenance.
type PinExtractionResult struct {
	PIN        string    `json:"pin"`
	Confidence float64   `json:"confidence"`
	Method     PinMethod `json:"method"`
	Reason     string    `json:"reason,omitempty"`
}

// DocumentType labels a candidate file.
type DocumentType string

const (
	DocumentTypeInvoice   DocumentType = "invoice"
	DocumentTypeStatement DocumentType = "statement"
	DocumentTypeOther     DocumentType = "other"
)

// AllDocumentTypes lists the valid classification labels.
func AllDocumentTypes() []DocumentType {
	return []DocumentType{DocumentTypeInvoice, DocumentTypeStatement, DocumentTypeOther}
}

// DocumentClassification annotates a PDF buffer with its likely kind.
// Classification never gates acceptance.
type DocumentClassification struct {
	Type       DocumentType `json:"type"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason,omitempty"`
}
