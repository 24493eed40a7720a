// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes Verdant record tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/verdant/internal/apperr"
	"github.com/starford/verdant/internal/cache"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/recordservice"
)

const contractURI = "verdant://record-format"

// Server wraps the MCP server with Verdant tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *recordservice.Service
	lists *cache.Set
	fetch fetchFunc
}

// New creates a new MCP server with all Verdant tools registered. Listings
// and updates go through lists so repeated reads are served from memory.
func New(svc *recordservice.Service, lists *cache.Set) *Server {
	s := &Server{svc: svc, lists: lists, fetch: fetchHTTP}

	s.mcp = server.NewMCPServer(
		"Verdant",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	kindArg := mcp.WithString("kind", mcp.Required(),
		mcp.Description("Record kind: plant, fertilizer, composting_method, growing_ground or seasonal_tip"))
	ownerArg := mcp.WithString("owner_id",
		mcp.Description("Owner of the record; required for growing_ground"))

	s.mcp.AddTool(mcp.NewTool("get_record_schema",
		mcp.WithDescription("Returns the indexed fields, image keys and default document of a kind. "+
			"Call this before creating or updating records of that kind."),
		kindArg,
	), s.getRecordSchema)

	s.mcp.AddTool(mcp.NewTool("get_record_contract",
		mcp.WithDescription("Returns the rules for record payloads and partial updates."),
	), s.getRecordContract)

	s.mcp.AddTool(mcp.NewTool("list_records",
		mcp.WithDescription("List records of a kind. With query, searches the indexed fields."),
		kindArg,
		mcp.WithString("query", mcp.Description("Optional substring to search for")),
		ownerArg,
	), s.listRecords)

	s.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Read one fully populated record."),
		kindArg,
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id")),
		ownerArg,
	), s.getRecord)

	s.mcp.AddTool(mcp.NewTool("create_record",
		mcp.WithDescription("Create a record from a possibly sparse payload. Missing values are filled with placeholders."),
		kindArg,
		mcp.WithString("id", mcp.Description("Optional id; a UUID is generated when empty")),
		mcp.WithObject("fields", mcp.Required(), mcp.Description("Record payload; see get_record_contract")),
		ownerArg,
	), s.createRecord)

	s.mcp.AddTool(mcp.NewTool("update_record",
		mcp.WithDescription("Apply a sparse update. Only the keys sent change; objects merge, lists are replaced."),
		kindArg,
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id")),
		mcp.WithObject("fields", mcp.Required(), mcp.Description("Keys to change; see get_record_contract")),
		ownerArg,
	), s.updateRecord)

	s.mcp.AddTool(mcp.NewTool("attach_image",
		mcp.WithDescription("Download an image from an http(s) URL and store it on a record's image key. "+
			"List keys such as gallery get the image appended."),
		kindArg,
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Image key, e.g. image_url or gallery")),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL of the image")),
		ownerArg,
	), s.attachImage)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Record Format Contract",
			mcp.WithResourceDescription("How record payloads and partial updates work."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// scope reads kind and owner_id from the request.
func scope(ctx context.Context, req mcp.CallToolRequest) (context.Context, models.Kind, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return ctx, "", err
	}
	if owner := req.GetString("owner_id", ""); owner != "" {
		ctx = recordservice.WithOwner(ctx, owner)
	}
	return ctx, models.Kind(kind), nil
}

func fieldsArg(req mcp.CallToolRequest) (map[string]any, error) {
	raw, ok := req.GetArguments()["fields"]
	if !ok {
		return nil, errors.New(`required argument "fields" not found`)
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New(`argument "fields" must be an object`)
	}
	return fields, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found: " + err.Error())
	case errors.Is(err, apperr.ErrUnknownKind):
		return mcp.NewToolResultError(err.Error() + " (see get_record_contract for the list of kinds)")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func (s *Server) getRecordSchema(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	spec, err := s.svc.Spec(models.Kind(kind))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{
		"kind":      spec.Kind,
		"fields":    spec.Normalized,
		"images":    spec.Images,
		"owned":     spec.Owned,
		"deletable": spec.Deletable,
		"document":  spec.Defaults(),
	})
}

func (s *Server) getRecordContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(RecordFormatContract), nil
}

func (s *Server) readContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     RecordFormatContract,
		},
	}, nil
}

func (s *Server) listRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, kind, err := scope(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var recs []models.Record
	var total int
	query := req.GetString("query", "")
	if query != "" || recordservice.OwnerFrom(ctx) != "" {
		recs, total, err = s.svc.List(ctx, kind, models.ListQuery{Query: query})
	} else {
		if _, err := s.svc.Spec(kind); err != nil {
			return toolError(err), nil
		}
		recs, total, err = s.lists.For(kind).Items(ctx)
	}
	if err != nil {
		return toolError(err), nil
	}

	type item struct {
		ID     string         `json:"id"`
		Fields map[string]any `json:"fields"`
	}
	items := make([]item, len(recs))
	for i, r := range recs {
		items[i] = item{ID: r.ID, Fields: r.Fields}
	}
	return jsonResult(map[string]any{"records": items, "total": total})
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, kind, err := scope(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if recordservice.OwnerFrom(ctx) == "" {
		if _, err := s.svc.Spec(kind); err != nil {
			return toolError(err), nil
		}
		if rec, ok := s.lists.For(kind).Get(id); ok {
			return jsonResult(rec)
		}
	}
	rec, err := s.svc.Get(ctx, kind, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec)
}

func (s *Server) createRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, kind, err := scope(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fields, err := fieldsArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.Create(ctx, kind, req.GetString("id", ""), fields)
	if err != nil {
		return toolError(err), nil
	}
	s.lists.Invalidate(kind)
	return jsonResult(rec)
}

func (s *Server) updateRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, kind, err := scope(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fields, err := fieldsArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.update(ctx, kind, id, fields)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec)
}

// update routes through the cached list unless the call is owner scoped;
// the shared list only holds unscoped listings.
func (s *Server) update(ctx context.Context, kind models.Kind, id string, patch map[string]any) (*models.Record, error) {
	if recordservice.OwnerFrom(ctx) != "" {
		return s.svc.Update(ctx, kind, id, patch)
	}
	if _, err := s.svc.Spec(kind); err != nil {
		return nil, err
	}
	rec, err := s.lists.For(kind).Update(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("update %s %q: %w", kind, id, err)
	}
	return rec, nil
}
