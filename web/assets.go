package webassets

import "embed"

// Files contains the embedded gateway dashboard.
//
//go:embed *.html
var Files embed.FS
