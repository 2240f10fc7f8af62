// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sampler

import "runtime"

// defaultUnwind fills buf with the calling goroutine's program counters via
// runtime.Callers, skipping its own frame and handleTick's frame.
// runtime.Callers reports the innermost frame first; the counters are
// stored reversed so buf[0] is the outermost caller, the order convert and
// perftree expect. When the stack is deeper than buf, the outermost frames
// are the ones left out.
func defaultUnwind(buf []uint64) int {
	pc := make([]uintptr, len(buf))
	n := runtime.Callers(3, pc)
	for i := 0; i < n; i++ {
		buf[i] = uint64(pc[n-1-i])
	}
	return n
}
