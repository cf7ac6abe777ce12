package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/folio/internal/model"
)

func (s *Server) registerTools() {
	// folio_commit: store a new finalized version.
	s.mcpServer.AddTool(
		mcplib.NewTool("folio_commit",
			mcplib.WithDescription(`Commit a finalized version of a document.

The store assigns the next version number for the document. The reward is
1/(1+edit distance) between pre_text and text: 1.0 means the text was
accepted unchanged, lower values mean heavier edits.

EXAMPLE: after a human edits a reviewed chapter, commit document_id="ch1",
pre_text=<the reviewed text>, text=<the edited text>.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("document_id",
				mcplib.Description("Opaque document identifier, e.g. a chapter name"),
				mcplib.Required(),
			),
			mcplib.WithString("text",
				mcplib.Description("The final text to store"),
				mcplib.Required(),
			),
			mcplib.WithString("pre_text",
				mcplib.Description("The text before human edits. Pass text itself when it was accepted unchanged."),
				mcplib.Required(),
			),
		),
		s.handleCommit,
	)

	// folio_versions: list every version of a document.
	s.mcpServer.AddTool(
		mcplib.NewTool("folio_versions",
			mcplib.WithDescription("List every committed version of a document in version order."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("document_id",
				mcplib.Description("Document identifier"),
				mcplib.Required(),
			),
		),
		s.handleVersions,
	)

	// folio_best: highest-reward version.
	s.mcpServer.AddTool(
		mcplib.NewTool("folio_best",
			mcplib.WithDescription("Return the version with the highest reward. On equal reward the earliest version wins."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("document_id",
				mcplib.Description("Document identifier"),
				mcplib.Required(),
			),
		),
		s.handleBest,
	)

	// folio_search: semantic search within one document.
	s.mcpServer.AddTool(
		mcplib.NewTool("folio_search",
			mcplib.WithDescription(`Find the versions of a document most similar to a query.

Results never include other documents. Ties in similarity are broken by
the lower version number.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("document_id",
				mcplib.Description("Document identifier"),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("Natural language query"),
				mcplib.Required(),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum number of versions to return"),
				mcplib.Min(1),
				mcplib.Max(model.MaxTopK),
				mcplib.DefaultNumber(1),
			),
		),
		s.handleSearch,
	)
}

func (s *Server) handleCommit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	documentID := request.GetString("document_id", "")
	text := request.GetString("text", "")
	preText, err := request.RequireString("pre_text")
	if err != nil {
		err = model.InvalidInput("pre_text is required")
		return errorResult(fmt.Sprintf("commit failed (%s): %v", model.KindOf(err), err)), nil
	}

	v, err := s.svc.Commit(ctx, documentID, text, preText)
	if err != nil {
		return errorResult(fmt.Sprintf("commit failed (%s): %v", model.KindOf(err), err)), nil
	}

	resp := map[string]any{
		"status":  "committed",
		"version": v,
	}
	if err := s.svc.Index(ctx, v); err != nil {
		s.logger.Warn("mcp: index after commit failed", "error", err, "document_id", documentID, "version_id", v.ID)
		resp["index_error"] = err.Error()
	}
	return jsonResult(resp)
}

func (s *Server) handleVersions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	documentID := request.GetString("document_id", "")
	vs, err := s.svc.ListVersions(ctx, documentID)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed (%s): %v", model.KindOf(err), err)), nil
	}
	return jsonResult(map[string]any{
		"document_id": documentID,
		"versions":    vs,
		"total":       len(vs),
	})
}

func (s *Server) handleBest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	documentID := request.GetString("document_id", "")
	best, err := s.svc.BestVersion(ctx, documentID)
	if err != nil {
		return errorResult(fmt.Sprintf("best version failed (%s): %v", model.KindOf(err), err)), nil
	}
	if best == nil {
		return textResult(fmt.Sprintf("document %q has no versions", documentID)), nil
	}
	return jsonResult(best)
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	documentID := request.GetString("document_id", "")
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	topK := request.GetInt("top_k", 1)

	results, err := s.svc.Search(ctx, query, documentID, topK)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed (%s): %v", model.KindOf(err), err)), nil
	}
	return jsonResult(map[string]any{
		"results": results,
		"total":   len(results),
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return textResult(string(data)), nil
}
