package schema

import _ "embed"

// V1Name is the resource name the manifest schema is registered under.
const V1Name = "prefork.v1.json"

// V1 contains the JSON schema for prefork.yaml manifests.
//
//go:embed prefork.v1.json
var V1 []byte
