package web

import "embed"

// FS holds the dashboard assets.
//
//go:embed *.html *.css *.js
var FS embed.FS
