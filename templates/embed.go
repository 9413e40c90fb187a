// Package templates embeds default configuration files.
package templates

import "embed"

//go:embed config.yaml checkin.md
var FS embed.FS
