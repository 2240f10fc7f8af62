// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package perftree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Concurrent insertions must produce correct sums and edge weights under
// every locking model; only child order may differ between runs.
func TestConcurrentInsertsAreCorrectUnderEveryModel(t *testing.T) {
	for _, model := range []ConcurrencyModel{CoarseLock, FineGrainedLock, LockFree} {
		model := model
		t.Run(modelName(model), func(t *testing.T) {
			tr := New(ContextFree, Exclusive, model)

			const goroutines = 16
			const insertsPer = 200
			var wg sync.WaitGroup
			wg.Add(goroutines)
			for g := 0; g < goroutines; g++ {
				go func(pid int) {
					defer wg.Done()
					stack := []FrameKey{frame("A", "app", 0), frame("B", "app", 0)}
					for i := 0; i < insertsPer; i++ {
						tr.Insert(stack, pid%4, 1, NaN)
					}
				}(g)
			}
			wg.Wait()

			a := findChild(t, tr.root, "A")
			b := findChild(t, a, "B")
			require.Equal(t, uint64(goroutines*insertsPer), tr.root.EdgeWeight(a))
			require.Equal(t, uint64(goroutines*insertsPer), a.EdgeWeight(b))
			require.Equal(t, uint64(goroutines*insertsPer), b.SelfSamples())
			require.Equal(t, uint64(goroutines*insertsPer), tr.root.TotalSamples())
		})
	}
}

func modelName(m ConcurrencyModel) string {
	switch m {
	case CoarseLock:
		return "CoarseLock"
	case FineGrainedLock:
		return "FineGrainedLock"
	case ThreadLocalMerge:
		return "ThreadLocalMerge"
	case LockFree:
		return "LockFree"
	default:
		return "unknown"
	}
}
