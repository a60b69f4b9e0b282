// Package all links every built-in capture and delivery module into the binary.
package all

import (
	_ "github.com/tphakala/framecast/internal/modules/fileinput"
	_ "github.com/tphakala/framecast/internal/modules/filesink"
	_ "github.com/tphakala/framecast/internal/modules/httpin"
	_ "github.com/tphakala/framecast/internal/modules/httpout"
	_ "github.com/tphakala/framecast/internal/modules/journal"
	_ "github.com/tphakala/framecast/internal/modules/mqttout"
	_ "github.com/tphakala/framecast/internal/modules/testpicture"
	_ "github.com/tphakala/framecast/internal/modules/upload"
)
