package openapi

import (
	"encoding/json"
	"testing"
)

func TestBuildSpec(t *testing.T) {
	doc := BuildSpec("http://localhost:8443", "1.2.3")

	if doc.Info.Version != "1.2.3" {
		t.Errorf("version = %q", doc.Info.Version)
	}

	wantPaths := []string{
		"/api/v1/license/activate",
		"/api/v1/license/trial",
		"/api/v1/license/status",
		"/api/v1/license/deactivate",
		"/api/v1/license/renew",
		"/api/v1/license/reset/request",
		"/api/v1/license/reset/confirm",
		"/api/v1/admin/session",
	}
	for _, p := range wantPaths {
		item := doc.Paths.Value(p)
		if item == nil || item.Post == nil {
			t.Errorf("path %s missing or has no POST operation", p)
		}
	}

	if _, ok := doc.Components.SecuritySchemes["productSecret"]; !ok {
		t.Error("productSecret security scheme missing")
	}

	// The document must serialize cleanly; clients fetch it as JSON.
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty spec document")
	}
}
