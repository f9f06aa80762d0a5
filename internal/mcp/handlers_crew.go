package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/logger"
)

var crewActions = []string{"list", "graph", "validate", "reload"}

// CrewParams are the arguments of the crew tool.
type CrewParams struct {
	Action string `json:"action" jsonschema:"one of list, graph, validate, reload"`
	Name   string `json:"name,omitempty" jsonschema:"crew name for graph and validate"`
	Source string `json:"source,omitempty" jsonschema:"HCL crew source to validate without registering it"`
}

// CrewSummary is one entry of the list action.
type CrewSummary struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Path        string       `json:"path,omitempty"`
	Variant     crew.Variant `json:"variant,omitempty"`
	Nodes       int          `json:"nodes"`
	Error       string       `json:"error,omitempty"`
}

// ValidateResult is returned by validate.
type ValidateResult struct {
	Name    string       `json:"name,omitempty"`
	Valid   bool         `json:"valid"`
	Variant crew.Variant `json:"variant,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func (s *Server) handleCrew(ctx context.Context, req *mcp.CallToolRequest, params CrewParams) (*mcp.CallToolResult, any, error) {
	switch params.Action {
	case "":
		return nil, nil, missingActionError("crew", crewActions)
	case "list":
		return s.crewList(ctx)
	case "graph":
		return s.crewGraph(ctx, params)
	case "validate":
		return s.crewValidate(ctx, params)
	case "reload":
		return s.crewReload(ctx)
	default:
		return nil, nil, actionError("crew", params.Action, crewActions)
	}
}

func (s *Server) crewList(ctx context.Context) (*mcp.CallToolResult, any, error) {
	authCtx, err := requireAuth(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make([]CrewSummary, 0, s.catalog.Len())
	for _, def := range s.catalog.List() {
		if !authCtx.CanAccessCrew(def.Name) {
			continue
		}
		summary := CrewSummary{Name: def.Name, Description: def.Description, Path: def.Path}
		if compiled, err := crew.Compile(def.Crew); err != nil {
			summary.Error = err.Error()
		} else {
			summary.Variant = compiled.Variant()
			summary.Nodes = len(compiled.Nodes())
		}
		out = append(out, summary)
	}
	return nil, map[string]any{"crews": out, "count": len(out)}, nil
}

func (s *Server) crewGraph(ctx context.Context, params CrewParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required for graph")
	}
	if _, err := requireCrewAccess(ctx, params.Name); err != nil {
		return nil, nil, err
	}
	compiled, err := s.catalog.Compile(params.Name)
	if err != nil {
		return nil, nil, err
	}
	return nil, compiled.Describe(), nil
}

func (s *Server) crewValidate(ctx context.Context, params CrewParams) (*mcp.CallToolResult, any, error) {
	switch {
	case params.Source != "":
		if _, err := requireAuth(ctx); err != nil {
			return nil, nil, err
		}
		def, compiled, err := s.catalog.Validate([]byte(params.Source), "source.hcl")
		result := ValidateResult{Valid: err == nil}
		if def != nil {
			result.Name = def.Name
		}
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Variant = compiled.Variant()
		}
		return nil, result, nil

	case params.Name != "":
		if _, err := requireCrewAccess(ctx, params.Name); err != nil {
			return nil, nil, err
		}
		if _, ok := s.catalog.Get(params.Name); !ok {
			return nil, nil, fmt.Errorf("crew %s not found", params.Name)
		}
		result := ValidateResult{Name: params.Name}
		compiled, err := s.catalog.Compile(params.Name)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Valid = true
			result.Variant = compiled.Variant()
		}
		return nil, result, nil
	}
	return nil, nil, fmt.Errorf("name or source is required for validate")
}

func (s *Server) crewReload(ctx context.Context) (*mcp.CallToolResult, any, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, nil, err
	}
	if err := s.catalog.Reload(); err != nil {
		return nil, nil, fmt.Errorf("reload failed, previous crews kept: %w", err)
	}
	logger.Info("Crew catalog reloaded: %d crews", s.catalog.Len())
	return nil, map[string]any{"reloaded": true, "count": s.catalog.Len()}, nil
}
