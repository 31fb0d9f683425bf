package toolkit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yosida95/uritemplate/v3"
)

// Resource URI patterns.
const (
	schemaTemplateURI = "schema://{schema_name}/{table}"
	allowlistURI      = "allowlist://objects"
)

func (t *Toolkit) registerSchemaTemplate(server *mcp.Server) {
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: schemaTemplateURI,
		Name:        "Table Schema",
		Description: "Columns, types, and primary key of one allow-listed table or view",
		MIMEType:    "application/json",
	}, t.handleSchemaResource)
}

func (t *Toolkit) registerAllowlistResource(server *mcp.Server) {
	server.AddResource(&mcp.Resource{
		URI:         allowlistURI,
		Name:        "Queryable Objects",
		Description: "Every table and view the pipeline is allowed to query",
		MIMEType:    "application/json",
	}, t.handleAllowlistResource)
}

// parseTemplateVars extracts named variables from a URI using a URI template.
func parseTemplateVars(templateStr, uri string) (map[string]string, error) {
	tmpl, err := uritemplate.New(templateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid template %q: %w", templateStr, err)
	}

	match := tmpl.Match(uri)
	if match == nil {
		return nil, fmt.Errorf("uri %q does not match template %q", uri, templateStr)
	}

	result := make(map[string]string)
	for _, name := range tmpl.Varnames() {
		result[name] = match.Get(name).String()
	}
	return result, nil
}

// handleSchemaResource handles schema://{schema_name}/{table} requests.
func (t *Toolkit) handleSchemaResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	vars, err := parseTemplateVars(schemaTemplateURI, uri)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}

	schemaName := vars["schema_name"]
	table := vars["table"]
	if schemaName == "" || table == "" {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}

	obj, ok := t.catalog.Lookup(schemaName + "." + table)
	if !ok {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}
	return jsonResource(uri, obj)
}

// allowlistEntry is one object in the allow-list resource.
type allowlistEntry struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// handleAllowlistResource handles allowlist://objects requests.
func (t *Toolkit) handleAllowlistResource(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	objects := t.catalog.Objects()
	entries := make([]allowlistEntry, 0, len(objects))
	for _, obj := range objects {
		entries = append(entries, allowlistEntry{
			Name:        obj.Name,
			Kind:        string(obj.Kind),
			Description: obj.Description,
		})
	}
	return jsonResource(allowlistURI, map[string]any{
		"default_schema": t.catalog.DefaultSchema(),
		"objects":        entries,
	})
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling resource %q: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			},
		},
	}, nil
}
