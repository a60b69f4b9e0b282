package main

import (
	"github.com/tphakala/framecast/cmd"
	"github.com/tphakala/framecast/internal/buildinfo"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   = "dev"
	buildDate = ""
	systemID  = ""
)

func main() {
	cmd.Main(buildinfo.NewContext(version, buildDate, systemID))
}
