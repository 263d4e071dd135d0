package api

import (
	"fmt"

	"github.com/mattjoyce/concurrent/internal/engine"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one call operation
// per module export. mods are expected sorted by name.
func buildOpenAPIDoc(mods []engine.ModuleInfo) map[string]any {
	paths := map[string]any{}
	for _, m := range mods {
		for path, item := range buildModulePaths(m) {
			paths[path] = item
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "concurrent",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// buildModulePaths builds the POST /call path items for one module.
func buildModulePaths(m engine.ModuleInfo) map[string]any {
	paths := map[string]any{}

	for _, sig := range m.Exports {
		summary := sig.Description
		if summary == "" {
			summary = fmt.Sprintf("%s.%s/%d", m.Name, sig.Name, sig.Arity)
		}

		paths[fmt.Sprintf("/call/%s/%s", m.Name, sig.Name)] = map[string]any{
			"post": map[string]any{
				"operationId": fmt.Sprintf("%s__%s", m.Name, sig.Name),
				"summary":     summary,
				"tags":        []string{m.Name},
				"requestBody": map[string]any{
					"required": sig.Arity > 0,
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"args": map[string]any{
										"type":     "array",
										"minItems": sig.Arity,
										"maxItems": sig.Arity,
									},
								},
							},
						},
					},
				},
				"responses": map[string]any{
					"200": map[string]any{"description": "Call settled"},
					"400": map[string]any{"description": "Wrong number of arguments"},
					"422": map[string]any{"description": "Function failed in the worker"},
					"502": map[string]any{"description": "Worker terminated before responding"},
					"503": map[string]any{"description": "Pool terminated"},
					"504": map[string]any{"description": "Timed out waiting for the result"},
				},
				"security": []any{map[string]any{"BearerAuth": []string{}}},
			},
		}
	}

	return paths
}
