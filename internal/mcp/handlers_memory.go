package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/crewflow/internal/audit"
	"github.com/HyphaGroup/crewflow/internal/auth"
	"github.com/HyphaGroup/crewflow/internal/validation"
)

// crewNamespaceRoot is the first namespace segment of crew memory.
const crewNamespaceRoot = "crews"

const defaultMemoryLimit = 20

var memoryActions = []string{"put", "get", "delete", "list", "search"}

// MemoryParams are the arguments of the memory tool.
type MemoryParams struct {
	Action    string         `json:"action" jsonschema:"one of put, get, delete, list, search"`
	Namespace []string       `json:"namespace,omitempty" jsonschema:"namespace path segments, crew memory starts with crews then the crew name; crew tokens default to their crew"`
	Key       string         `json:"key,omitempty" jsonschema:"item key for put, get and delete"`
	Value     map[string]any `json:"value,omitempty" jsonschema:"object to store for put"`
	Vector    []float64      `json:"vector,omitempty" jsonschema:"embedding stored with put, or the query vector for search"`
	Limit     int            `json:"limit,omitempty" jsonschema:"maximum items for list and search (default 20)"`
}

func (s *Server) handleMemory(ctx context.Context, req *mcp.CallToolRequest, params MemoryParams) (*mcp.CallToolResult, any, error) {
	if s.memory == nil {
		return nil, nil, fmt.Errorf("memory store is not configured")
	}
	if params.Action == "" {
		return nil, nil, missingActionError("memory", memoryActions)
	}
	if !slices.Contains(memoryActions, params.Action) {
		return nil, nil, actionError("memory", params.Action, memoryActions)
	}

	authCtx, err := requireAuth(ctx)
	if err != nil {
		return nil, nil, err
	}
	ns, crewName, err := memoryNamespace(authCtx, params.Namespace)
	if err != nil {
		return nil, nil, err
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultMemoryLimit
	}

	switch params.Action {
	case "put":
		if err := requireMemoryWrite(authCtx, params.Key); err != nil {
			return nil, nil, err
		}
		if params.Value == nil {
			return nil, nil, fmt.Errorf("value is required for put")
		}
		err := s.memory.Put(ctx, ns, params.Key, params.Value, params.Vector)
		event := &audit.Event{
			Operation:  audit.OpMemoryPut,
			TokenID:    authCtx.Token.ID,
			TokenScope: authCtx.Token.Scope,
			Crew:       crewName,
			RequestID:  GetRequestID(ctx),
			RemoteAddr: GetRemoteAddr(ctx),
			Success:    err == nil,
			Details:    map[string]any{"namespace": ns, "key": params.Key},
		}
		if err != nil {
			event.Error = err.Error()
		}
		audit.Default().Log(event)
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]any{"namespace": ns, "key": params.Key, "stored": true}, nil

	case "get":
		if params.Key == "" {
			return nil, nil, fmt.Errorf("key is required for get")
		}
		item, err := s.memory.Get(ctx, ns, params.Key)
		if err != nil {
			return nil, nil, err
		}
		return nil, item, nil

	case "delete":
		if err := requireMemoryWrite(authCtx, params.Key); err != nil {
			return nil, nil, err
		}
		err := s.memory.Delete(ctx, ns, params.Key)
		audit.Record(audit.OpMemoryDelete, authCtx, crewName, "", err)
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]any{"namespace": ns, "key": params.Key, "deleted": true}, nil

	case "list":
		items, err := s.memory.List(ctx, ns, limit)
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]any{"items": items, "count": len(items)}, nil

	default: // search
		if len(params.Vector) == 0 {
			return nil, nil, fmt.Errorf("vector is required for search")
		}
		items, err := s.memory.Search(ctx, ns, params.Vector, limit)
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]any{"items": items, "count": len(items)}, nil
	}
}

func requireMemoryWrite(a *auth.AuthContext, key string) error {
	if !a.CanWrite() {
		return errors.New("read-only access, write operations not permitted")
	}
	if key == "" {
		return errors.New("key is required")
	}
	return nil
}

// memoryNamespace checks ns against the caller's scope and returns it with
// the crew it belongs to. Crew tokens are confined to ["crews", <crew>, ...]
// and default to that prefix.
func memoryNamespace(a *auth.AuthContext, ns []string) ([]string, string, error) {
	if len(ns) > 0 {
		if err := validation.ValidateNamespace(ns); err != nil {
			return nil, "", err
		}
	}

	var crewName string
	if len(ns) >= 2 && ns[0] == crewNamespaceRoot {
		crewName = ns[1]
	}

	scopeCrew := ""
	if a.Token != nil {
		scopeCrew = auth.ExtractCrew(a.Token.Scope)
	}
	if scopeCrew == "" {
		// admin scopes may address any namespace
		return ns, crewName, nil
	}

	if len(ns) == 0 {
		return []string{crewNamespaceRoot, scopeCrew}, scopeCrew, nil
	}
	if crewName == "" || !a.CanAccessCrew(crewName) {
		return nil, "", fmt.Errorf("not authorized to access namespace %v", ns)
	}
	return ns, crewName, nil
}
