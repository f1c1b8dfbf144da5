package web

import "embed"

// FS contains the embedded browser console.
//
//go:embed *.html *.css *.js
var FS embed.FS
