package scheduler

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// retryJitter returns a deterministic factor in [0.8, 1.2) seeded by the task
// name and its failure streak, so retry timing is reproducible in replays.
func retryJitter(taskName string, consecutiveFailures int) float64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", taskName, consecutiveFailures)
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	return 0.8 + 0.4*r.Float64()
}
