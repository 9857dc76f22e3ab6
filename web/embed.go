package webassets

import "embed"

// FS contains the embedded single-page frontend.
//
//go:embed index.html app.js
var FS embed.FS
