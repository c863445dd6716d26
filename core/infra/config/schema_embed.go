package config

import "embed"

const sourceSchemaFile = "schema/pdp_source.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
