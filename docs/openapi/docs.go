// Package openapi registers the Access Control Engine's OpenAPI document
// with swaggo's runtime registry. Built and served only under the
// "swagger" build tag (internal/httpapi/swagger.go).
package openapi

import (
	"github.com/swaggo/swag"
)

const doc = `{
  "swagger": "2.0",
  "info": {
    "title": "ACE Controller API",
    "description": "Captive-portal access control engine: session grants, binding inspection, and rule ledger status.",
    "version": "1.0"
  },
  "paths": {
    "/healthz": {"get": {"summary": "Liveness probe"}},
    "/api/v1/sessions": {
      "post": {"summary": "Grant network access to a device"},
      "get": {"summary": "List active sessions"}
    },
    "/api/v1/sessions/{id}/revoke": {"post": {"summary": "Revoke a session"}},
    "/api/v1/sessions/{id}/force-disconnect": {"post": {"summary": "Operator-forced disconnect"}},
    "/api/v1/sessions/{id}/extend": {"post": {"summary": "Extend a session's expiry"}},
    "/api/v1/bindings": {
      "get": {"summary": "List active MAC/IP bindings"},
      "post": {"summary": "Create a manual binding"}
    },
    "/api/v1/bindings/{mac}": {"delete": {"summary": "Retire a binding"}},
    "/api/v1/validate": {"get": {"summary": "Validate a MAC/IP pair against the binding registry"}},
    "/api/v1/rules/{backend}/snapshot": {"get": {"summary": "Snapshot installed rules for an enforcer backend"}},
    "/api/v1/cleanup": {"post": {"summary": "Trigger a reconciliation cycle"}},
    "/api/v1/policy/runtime": {"get": {"summary": "Fetch the resolved policy snapshot and checksum"}},
    "/portal/detect/{mac}": {"get": {"summary": "Captive-portal detection probe target"}},
    "/auth/token": {"post": {"summary": "Issue an operator-capability JWT"}}
  }
}`

type swaggerInfo struct {
	Version     string
	Host        string
	BasePath    string
	Schemes     []string
	Title       string
	Description string
}

var SwaggerInfo = &swaggerInfo{
	Version:     "1.0",
	BasePath:    "/",
	Schemes:     []string{},
	Title:       "ACE Controller API",
	Description: "Captive-portal access control engine.",
}

type swaggerTemplate struct{ info *swaggerInfo }

func (t *swaggerTemplate) ReadDoc() string { return doc }

func init() {
	swag.Register(swag.Name, &swaggerTemplate{info: SwaggerInfo})
}
