package license

import (
	"sort"
	"strings"
	"sync"
)

// processLocks serializes read-modify-write cycles of every guard in this
// process that shares the same storage paths.
var processLocks sync.Map

func lockFor(paths []string) *sync.Mutex {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	v, _ := processLocks.LoadOrStore(strings.Join(sorted, "\x00"), &sync.Mutex{})
	return v.(*sync.Mutex)
}
