package web

import "embed"

// Assets holds the browser panel served by the HTTP server.
//
//go:embed panel
var Assets embed.FS
