// Package openapi builds the OpenAPI 3.1 document for the keygate HTTP API.
package openapi

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// BuildSpec generates the OpenAPI spec for the public license endpoints and
// the admin session endpoint. Served at /openapi.json.
func BuildSpec(baseURL, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Keygate API",
			Description: "License activation, trial issuance and seat management.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["productSecret"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-Product-Secret",
		},
	}
	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{"productSecret": {}},
	}

	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    schemaOf("integer"),
							"message": schemaOf("string"),
						},
					},
				},
			},
		},
	}

	doc.Paths = openapi3.NewPaths()
	addLicensePath(doc, "/api/v1/license/activate", "activateLicense",
		"Bind this machine to a license key and receive a signed credential.",
		objectSchema(map[string]string{
			"license_key": "string", "hardware_id": "string", "app_version": "string",
			"customer_name": "string", "customer_email": "string",
		}),
		objectSchema(map[string]string{
			"credential": "string", "license_key": "string", "recovered": "boolean",
		}))
	addLicensePath(doc, "/api/v1/license/trial", "requestTrial",
		"Issue or re-issue a self-service license for this machine.",
		objectSchema(map[string]string{
			"type_slug": "string", "hardware_id": "string",
			"customer_name": "string", "customer_email": "string",
		}),
		objectSchema(map[string]string{
			"credential": "string", "license_key": "string",
		}))
	addLicensePath(doc, "/api/v1/license/status", "checkStatus",
		"Report the standing of a license for this machine.",
		objectSchema(map[string]string{"license_key": "string", "hardware_id": "string"}),
		objectSchema(map[string]string{"status": "string"}))
	addLicensePath(doc, "/api/v1/license/deactivate", "deactivateSeat",
		"Release the seat held by this machine.",
		objectSchema(map[string]string{"license_key": "string", "hardware_id": "string"}),
		objectSchema(map[string]string{"deactivated": "boolean"}))
	addLicensePath(doc, "/api/v1/license/renew", "renewLicense",
		"Extend a recurring license after a payment event.",
		objectSchema(map[string]string{
			"license_key": "string", "transaction_id": "string", "reference": "string",
		}),
		objectSchema(map[string]string{"expires_at": "string"}))
	addLicensePath(doc, "/api/v1/license/reset/request", "requestReset",
		"Email a hardware reset code to the customer on file.",
		objectSchema(map[string]string{"license_key": "string"}),
		objectSchema(map[string]string{"message": "string"}))
	addLicensePath(doc, "/api/v1/license/reset/confirm", "confirmReset",
		"Clear all hardware bindings using the emailed code.",
		objectSchema(map[string]string{"license_key": "string", "code": "string"}),
		objectSchema(map[string]string{"reset": "boolean"}))

	addAdminSessionPath(doc)
	return doc
}

func addLicensePath(doc *openapi3.T, path, opID, summary string, reqSchema, respSchema *openapi3.SchemaRef) {
	op := &openapi3.Operation{
		OperationID: opID,
		Summary:     summary,
		Tags:        []string{"license"},
		RequestBody: &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(true).
				WithJSONSchemaRef(reqSchema),
		},
		Responses: openapi3.NewResponses(),
	}
	op.Responses.Set("200", jsonResponse("Success", respSchema))
	op.Responses.Set("default", errorResponse())

	doc.Paths.Set(path, &openapi3.PathItem{Post: op})
}

func addAdminSessionPath(doc *openapi3.T) {
	op := &openapi3.Operation{
		OperationID: "adminLogin",
		Summary:     "Authenticate an administrator and receive a session token.",
		Tags:        []string{"admin"},
		Security:    &openapi3.SecurityRequirements{},
		RequestBody: &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(true).
				WithJSONSchemaRef(objectSchema(map[string]string{
					"email": "string", "password": "string",
				})),
		},
		Responses: openapi3.NewResponses(),
	}
	op.Responses.Set("200", jsonResponse("Session created", objectSchema(map[string]string{
		"session_token": "string", "token_type": "string", "expires_in": "integer",
	})))
	op.Responses.Set("default", errorResponse())

	doc.Paths.Set("/api/v1/admin/session", &openapi3.PathItem{Post: op})
}

func schemaOf(typ string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{typ}}}
}

func objectSchema(props map[string]string) *openapi3.SchemaRef {
	schemas := openapi3.Schemas{}
	for name, typ := range props {
		schemas[name] = schemaOf(typ)
	}
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Properties: schemas,
		},
	}
}

func jsonResponse(description string, schema *openapi3.SchemaRef) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithJSONSchemaRef(schema),
	}
}

func errorResponse() *openapi3.ResponseRef {
	return &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription("Error").
			WithJSONSchemaRef(&openapi3.SchemaRef{
				Ref: fmt.Sprintf("#/components/schemas/%s", "ErrorResponse"),
			}),
	}
}
