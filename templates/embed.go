// Package templates embeds the default configuration and the scaffold
// templates rendered by the dispatcher.
package templates

import "embed"

//go:embed config.yaml scaffold
var FS embed.FS
