// Package transform holds the draft and review strategies the pipeline runs
// between acquisition and the human checkpoint.
package transform

import (
	"context"
	"fmt"
	"strings"
)

// DefaultReviewPrompt is the reviewer prompt used when a run supplies none.
const DefaultReviewPrompt = "Refine the text, ensuring it is grammatically correct, coherent, and engaging. Fix any awkward phrasing."

// DefaultDraftPrompt returns the writer prompt for a document.
func DefaultDraftPrompt(documentID string) string {
	return fmt.Sprintf("Rewrite the chapter '%s' in a more dramatic and modern narrative style.", documentID)
}

// Markers framing templated output.
const (
	writerStart   = "--- Start of AI Writer Output ---"
	writerEnd     = "--- End of AI Writer Output ---"
	writerNote    = "--- This chapter has been re-imagined by the AI Writer. ---"
	reviewerStart = "--- Start of AI Reviewer Output ---"
	reviewerEnd   = "--- End of AI Reviewer Output ---"
	reviewerNote  = "--- This version has been polished and verified for quality by the AI Reviewer. ---"
)

// Writer is a pass-through draft strategy. It frames the input with the
// prompt and writer markers without changing the text itself.
type Writer struct{}

// Transform implements pipeline.Transformer.
func (Writer) Transform(ctx context.Context, text, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(writerStart + "\n\n")
	b.WriteString("Prompt: " + prompt + "\n\n")
	b.WriteString(text)
	b.WriteString("\n\n" + writerNote + "\n")
	b.WriteString(writerEnd)
	return b.String(), nil
}

// Reviewer is a pass-through review strategy. It strips the writer's
// framing and wraps the result in reviewer markers.
type Reviewer struct{}

// Transform implements pipeline.Transformer.
func (Reviewer) Transform(ctx context.Context, text, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body := strings.ReplaceAll(text, writerStart+"\n\n", "")
	body = strings.ReplaceAll(body, writerEnd, "")

	var b strings.Builder
	b.WriteString(reviewerStart + "\n\n")
	b.WriteString("Review Prompt: " + prompt + "\n\n")
	b.WriteString(body)
	b.WriteString("\n" + reviewerNote + "\n")
	b.WriteString(reviewerEnd)
	return b.String(), nil
}
