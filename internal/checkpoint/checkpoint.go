// Package checkpoint implements the human review step that sits between the
// automated passes and the commit.
package checkpoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PreviewChars is how much of a text the terminal shows before truncating.
const PreviewChars = 1000

// Static approves the candidate unchanged, or substitutes Edited when set.
// Server runs use it: the caller decides up front whether to edit.
type Static struct {
	Edited *string
}

// Checkpoint implements pipeline.Checkpointer.
func (s Static) Checkpoint(_ context.Context, _, candidate, _ string) (string, error) {
	if s.Edited != nil {
		return *s.Edited, nil
	}
	return candidate, nil
}

// Terminal asks a person at a terminal to approve or edit the candidate.
// When input is not a terminal the candidate is approved without asking.
type Terminal struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	logger      *slog.Logger
}

// NewTerminal creates a Terminal reading from in and writing to out. If in
// is an *os.File it must be a TTY for prompting to happen; any other reader
// is treated as interactive.
func NewTerminal(in io.Reader, out io.Writer, logger *slog.Logger) *Terminal {
	interactive := true
	if f, ok := in.(*os.File); ok {
		fd := f.Fd()
		interactive = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	return &Terminal{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: interactive,
		logger:      logger,
	}
}

// Interactive reports whether the terminal will prompt.
func (t *Terminal) Interactive() bool { return t.interactive }

// Checkpoint shows candidate and loops until the reviewer approves it or
// supplies an edited version. Option 3 shows the original acquired text.
func (t *Terminal) Checkpoint(ctx context.Context, raw, candidate, documentID string) (string, error) {
	if !t.interactive {
		t.logger.Info("checkpoint: input is not a terminal, approving candidate", "document_id", documentID)
		return candidate, nil
	}

	rule := strings.Repeat("=", 50)
	t.printf("\n%s\nHuman review\n%s\nDocument: %s\n\n", rule, rule, documentID)
	t.printf("--- CANDIDATE ---\n%s\n-----------------\n\n", Preview(candidate, PreviewChars))

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		t.printf("Choose an action:\n  1. Approve the candidate as is.\n  2. Edit the text.\n  3. View the original text.\nEnter 1, 2, or 3: ")

		line, err := t.in.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			return "", fmt.Errorf("checkpoint: read choice: %w", err)
		}

		switch strings.TrimSpace(line) {
		case "1":
			t.logger.Info("checkpoint: candidate approved", "document_id", documentID)
			return candidate, nil
		case "2":
			edited, err := t.readEdit(ctx)
			if err != nil {
				return "", err
			}
			if edited == "" {
				t.printf("Edit was empty; nothing changed.\n\n")
				continue
			}
			t.logger.Info("checkpoint: candidate edited", "document_id", documentID)
			return edited, nil
		case "3":
			t.printf("\n--- ORIGINAL ---\n%s\n----------------\n\n", Preview(raw, PreviewChars))
		default:
			t.printf("Invalid choice. Please enter 1, 2, or 3.\n\n")
		}
	}
}

// readEdit collects lines until EOF or a line holding a single ".".
func (t *Terminal) readEdit(ctx context.Context) (string, error) {
	t.printf("Enter the final text. Finish with a line containing only \".\" or end of input.\n")
	var lines []string
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line, err := t.in.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if line != "" {
			lines = append(lines, trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("checkpoint: read edit: %w", err)
		}
	}
	text := strings.Join(lines, "\n")
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	return text, nil
}

func (t *Terminal) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}

// Preview returns the first n characters of s, with "..." appended when
// anything was cut.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
