package apicatalog

import _ "embed"

// BootstrapSource is the convenience-alias chunk every VM loads once
// at construction, before it can see any host RUN_CODE/START_SCRIPT
// source (§4.7 "bootstrap script").
//
//go:embed bootstrap.js
var BootstrapSource string
