package back

import (
	"math/rand"
	"sync"
	"time"
)

var waveRand = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))} // nolint:gosec

// randomIndex draws a uniform index in [0, n). Map selection is the only
// caller, fairness matters and predictability does not.
func randomIndex(n int) int {
	waveRand.Lock()
	defer waveRand.Unlock()
	return waveRand.Intn(n)
}
