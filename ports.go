package simplevote

import "github.com/jellypudding/simplevote/votifier"

// Default ports for simplevote services
//
// simplevote runs up to two listeners:
//
// 1. Votifier listener (DefaultVotifierPort = 8192): raw TCP for voting sites
//   - Enabled by default, disable with votifier.enabled: false
//   - Must be reachable from the internet; sites connect to it directly or
//     through a proxy that prepends a PROXY header
//
// 2. HTTP API (no default): public key, status, metrics and balances
//   - Only starts if -http-addr / http-addr is set
//   - Meant for operators, keep it off the public interface
const (
	// DefaultVotifierPort is the conventional Votifier port.
	DefaultVotifierPort = votifier.DefaultPort
)
