package embedded

import (
	_ "embed"
	"strings"
)

//go:embed help.txt
var help string

// ConsoleHelp returns the configuration console banner with CRLF line
// endings.
func ConsoleHelp() string {
	return strings.ReplaceAll(help, "\n", "\r\n")
}
