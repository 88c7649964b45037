package listener

import "regexp"

// namedPattern pairs a compiled regexp with named capture groups, mirroring
// logparse.py's sets of sub-patterns that are each run against a line and
// merged into one match dictionary.
type namedPattern struct {
	re *regexp.Regexp
}

func pat(expr string) namedPattern {
	return namedPattern{re: regexp.MustCompile(expr)}
}

const (
	reFloat    = `\d*\.\d+`
	reHash     = `[a-f0-9]+`
	reHex      = `0x[a-f0-9]+`
	reNotQuote = `[^'"]+`
)

// peerPattern matches "peer=<num>", shared by several listeners.
var peerPattern = pat(`\s+peer=(?P<peer_num>\d+)`)
