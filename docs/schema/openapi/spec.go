// Package openapi embeds the OpenAPI document of the record HTTP API.
package openapi

import _ "embed"

// RecordsSpec is the OpenAPI document served at /openapi.yaml.
//
//go:embed records.yaml
var RecordsSpec []byte

// Spec returns a copy of the embedded document.
func Spec() []byte {
	return append([]byte(nil), RecordsSpec...)
}
