// Package acquire fetches a source page and extracts its readable text.
//
// The extractor targets MediaWiki article markup: it prefers the
// div.mw-parser-output content block and drops the table of contents and
// navigation boxes, falling back to the whole <body> for other sites.
package acquire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ashita-ai/folio/internal/model"
)

// maxPageBytes bounds how much of a response body is read.
const maxPageBytes = 16 << 20

const maxRedirects = 10

// RedirectPolicy decides whether a fetch that started at origin may follow a
// redirect to target.
type RedirectPolicy func(origin, target *url.URL) error

// PublicRedirectsOnly keeps a fetch that started at a public host from being
// redirected to localhost or a private address. Fetches that began at a
// private host were chosen by the operator and may go anywhere http(s).
func PublicRedirectsOnly(origin, target *url.URL) error {
	if err := model.ValidateSourceURL(target.String()); err != nil {
		return err
	}
	if model.ValidatePublicURL(origin.String()) != nil {
		return nil
	}
	if err := model.ValidatePublicURL(target.String()); err != nil {
		return fmt.Errorf("redirect to %s: %w", target.Host, err)
	}
	return nil
}

// HTTPAcquirer downloads pages over HTTP and keeps a raw HTML snapshot of
// each one under artifactDir.
type HTTPAcquirer struct {
	client      *http.Client
	artifactDir string
	userAgent   string
	redirects   RedirectPolicy
	logger      *slog.Logger
}

// Option configures an HTTPAcquirer.
type Option func(*HTTPAcquirer)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *HTTPAcquirer) { a.client = c }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(a *HTTPAcquirer) { a.userAgent = ua }
}

// WithRedirectPolicy replaces PublicRedirectsOnly.
func WithRedirectPolicy(p RedirectPolicy) Option {
	return func(a *HTTPAcquirer) { a.redirects = p }
}

// NewHTTPAcquirer creates an acquirer that writes snapshots to artifactDir.
// An empty artifactDir disables snapshots.
func NewHTTPAcquirer(artifactDir string, logger *slog.Logger, opts ...Option) *HTTPAcquirer {
	a := &HTTPAcquirer{
		client:      &http.Client{Timeout: 60 * time.Second},
		artifactDir: artifactDir,
		userAgent:   "folio/1.0",
		redirects:   PublicRedirectsOnly,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	client := *a.client
	client.CheckRedirect = a.checkRedirect
	a.client = &client
	return a
}

func (a *HTTPAcquirer) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return a.redirects(via[0].URL, req.URL)
}

// Acquire fetches rawURL and returns its extracted text together with the
// path of the HTML snapshot. Any failure yields empty text and path.
func (a *HTTPAcquirer) Acquire(ctx context.Context, rawURL, documentID string) (string, string, error) {
	if err := model.ValidateSourceURL(rawURL); err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("acquire: create request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("acquire: fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("acquire: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", "", fmt.Errorf("acquire: read body: %w", err)
	}

	text, err := ExtractText(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	if text == "" {
		return "", "", fmt.Errorf("acquire: %s: no text content", rawURL)
	}

	artifact, err := a.writeArtifact(documentID, body)
	if err != nil {
		return "", "", err
	}

	a.logger.Info("acquire: page fetched",
		"url", rawURL,
		"document_id", documentID,
		"chars", len([]rune(text)),
		"artifact", artifact,
	)
	return text, artifact, nil
}

func (a *HTTPAcquirer) writeArtifact(documentID string, body []byte) (string, error) {
	if a.artifactDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(a.artifactDir, 0o750); err != nil {
		return "", fmt.Errorf("acquire: create artifact dir: %w", err)
	}
	path := filepath.Join(a.artifactDir, ArtifactName(documentID)+".html")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", fmt.Errorf("acquire: write artifact: %w", err)
	}
	return path, nil
}

// ArtifactName maps a document ID to a safe file name stem.
func ArtifactName(documentID string) string {
	var b strings.Builder
	for _, r := range documentID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), ".")
	if name == "" {
		return "document"
	}
	return name
}

// ExtractText parses an HTML document and returns its readable text, one
// text node per line.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("acquire: parse html: %w", err)
	}

	root := findFirst(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Div && hasClass(n, "mw-parser-output")
	})
	if root == nil {
		root = findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	}
	if root == nil {
		return "", nil
	}

	var lines []string
	collectText(root, &lines)
	return strings.Join(lines, "\n"), nil
}

// collectText appends the trimmed text nodes under n, skipping subtrees
// that are not part of the article.
func collectText(n *html.Node, lines *[]string) {
	if skip(n) {
		return
	}
	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			*lines = append(*lines, t)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, lines)
	}
}

func skip(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Head:
		return true
	case atom.Div:
		return attr(n, "id") == "toc" || hasClass(n, "noprint")
	}
	return false
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
