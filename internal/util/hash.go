// Package util provides logging, traffic reporting and other helpers shared
// by the commands.
package util

import (
	"hash/fnv"

	"github.com/1ureka/roverlink/internal/config"
)

// LinkID computes a 4-byte hash identifying one end of a link by its name
// and role. It is stable across restarts and used as a compact key in
// monitoring output; it does not need to be reversible.
func LinkID(name string, endpoint config.Endpoint) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	return h.Sum32()
}
