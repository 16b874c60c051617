// Package templates embeds the default configuration written by leasepool init.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
