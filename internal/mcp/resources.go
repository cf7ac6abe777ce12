package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	documentURIPrefix = "folio://documents/"
	versionsURISuffix = "/versions"
)

func (s *Server) registerResources() {
	// folio://documents/{document_id}/versions: full version history.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			documentURIPrefix+"{document_id}"+versionsURISuffix,
			"Document Versions",
			mcplib.WithTemplateDescription("Every committed version of a document"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleDocumentVersions,
	)
}

func (s *Server) handleDocumentVersions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	documentID, err := documentIDFromURI(uri)
	if err != nil {
		return nil, err
	}

	vs, err := s.svc.ListVersions(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: document versions: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"document_id": documentID,
		"versions":    vs,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal versions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// documentIDFromURI extracts the document ID from
// folio://documents/{document_id}/versions. Document IDs may contain
// slashes, so only the fixed prefix and suffix are stripped.
func documentIDFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, documentURIPrefix) || !strings.HasSuffix(uri, versionsURISuffix) {
		return "", fmt.Errorf("mcp: invalid document versions URI: %s", uri)
	}
	id, err := url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(uri, documentURIPrefix), versionsURISuffix))
	if err != nil || id == "" {
		return "", fmt.Errorf("mcp: invalid document versions URI: %s", uri)
	}
	return id, nil
}
