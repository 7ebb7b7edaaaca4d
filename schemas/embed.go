// Package schemas provides access to embedded JSON schemas.
package schemas

import (
	_ "embed"
)

// Embed the tunnel config JSON Schema into the binary. The schema defines
// the structure of workbench.yaml and enables IDE autocompletion and early
// validation of tunnel configs.
//
//go:embed workbench.schema.json
var tunnelConfigSchema []byte

// GetTunnelConfigSchema returns the embedded tunnel config JSON Schema as
// raw bytes, for validation, IDE integration, or schema export.
func GetTunnelConfigSchema() []byte {
	return tunnelConfigSchema
}

// GetTunnelConfigSchemaString returns the embedded tunnel config JSON
// Schema as a string.
func GetTunnelConfigSchemaString() string {
	return string(tunnelConfigSchema)
}
