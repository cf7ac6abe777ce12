package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// Field length limits for request payloads.
const (
	MaxDocumentIDLen = 256
	MaxTextLen       = 4 * 1024 * 1024 // 4 MB
	MaxQueryLen      = 8 * 1024
	MaxTopK          = 100
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidatePublicURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateDocumentID checks that a document identifier is non-blank, bounded,
// and free of control characters. Identifiers are otherwise opaque: chapter
// names with spaces and punctuation are fine.
func ValidateDocumentID(id string) error {
	if strings.TrimSpace(id) == "" {
		return InvalidInput("document_id is required")
	}
	if len(id) > MaxDocumentIDLen {
		return InvalidInput("document_id exceeds maximum length of %d bytes", MaxDocumentIDLen)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return InvalidInput("document_id must not contain control characters")
		}
	}
	return nil
}

// ValidateSourceURL ensures a URL is an http/https URL with a host and no
// embedded credentials.
func ValidateSourceURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return InvalidInput("invalid url: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return InvalidInput("url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return InvalidInput("url must not include credentials")
	}
	if u.Hostname() == "" {
		return InvalidInput("url must include a host")
	}
	return nil
}

// ValidatePublicURL is ValidateSourceURL plus a rejection of localhost and
// private or loopback addresses. Used for URLs supplied over the network.
func ValidatePublicURL(rawURL string) error {
	if err := ValidateSourceURL(rawURL); err != nil {
		return err
	}
	u, _ := url.Parse(rawURL)
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return InvalidInput("url must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return InvalidInput("url must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeCollaboratorFailed = "COLLABORATOR_FAILED"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// CommitRequest is the request body for POST /v1/documents/{document_id}/versions.
type CommitRequest struct {
	Text    string `json:"text"`
	PreText string `json:"pre_text"`
}

// Validate checks that pre_text is present and both texts fit the limit.
func (r CommitRequest) Validate() error {
	if r.PreText == "" {
		return InvalidInput("pre_text is required")
	}
	if len(r.Text) > MaxTextLen {
		return InvalidInput("text exceeds maximum length of %d bytes", MaxTextLen)
	}
	if len(r.PreText) > MaxTextLen {
		return InvalidInput("pre_text exceeds maximum length of %d bytes", MaxTextLen)
	}
	return nil
}

// SearchRequest is the request body for POST /v1/documents/{document_id}/search.
type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// Validate checks query presence and bounds. TopK of zero or less is
// rejected downstream by the index.
func (r SearchRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return InvalidInput("query is required")
	}
	if len(r.Query) > MaxQueryLen {
		return InvalidInput("query exceeds maximum length of %d bytes", MaxQueryLen)
	}
	if r.TopK > MaxTopK {
		return InvalidInput("top_k must be at most %d", MaxTopK)
	}
	return nil
}

// RunRequest is the request body for POST /v1/runs. The server has no
// operator attached, so the checkpoint either approves the reviewed text or,
// when EditedText is set, substitutes it.
type RunRequest struct {
	DocumentID   string  `json:"document_id"`
	URL          string  `json:"url"`
	DraftPrompt  string  `json:"draft_prompt,omitempty"`
	ReviewPrompt string  `json:"review_prompt,omitempty"`
	EditedText   *string `json:"edited_text,omitempty"`
}

// Validate checks the run request fields.
func (r RunRequest) Validate() error {
	if err := ValidateDocumentID(r.DocumentID); err != nil {
		return err
	}
	if err := ValidatePublicURL(r.URL); err != nil {
		return err
	}
	if r.EditedText != nil && len(*r.EditedText) > MaxTextLen {
		return InvalidInput("edited_text exceeds maximum length of %d bytes", MaxTextLen)
	}
	return nil
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Store       string `json:"store"`
	StoreStatus string `json:"store_status"`
	Index       string `json:"index,omitempty"`
	Uptime      int64  `json:"uptime_seconds"`
}

// String renders an ErrorDetail for logs.
func (d ErrorDetail) String() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}
