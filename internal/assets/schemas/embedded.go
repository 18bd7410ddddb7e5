// Package schemasassets embeds the JSON schemas so validation works in
// installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// PipelineManifestSchema is the pipeline manifest schema.
//
//go:embed pipeline-manifest.schema.json
var PipelineManifestSchema []byte
