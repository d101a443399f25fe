package ml

import "sync"

// parallelFor runs fn(i) for i in [0, n) on at most workers goroutines.
// Callers must ensure that different i write to disjoint memory.
func parallelFor(n, workers int, fn func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if workers > n {
		workers = n
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			for i := id; i < n; i += workers {
				fn(i)
			}
		}(w)
	}
	wg.Wait()
}
