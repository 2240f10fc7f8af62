// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package perftree

// Visitor is called once per visited node with its depth from the root
// (root itself is depth 0). Returning false halts the traversal.
type Visitor func(n *Node, depth int) bool

// WalkPreOrder visits the root, then recursively each child, depth-first.
// maxDepth < 0 means unbounded; maxDepth == 0 visits only the root.
func (t *Tree) WalkPreOrder(maxDepth int, visit Visitor) {
	var walk func(n *Node, depth int) bool
	walk = func(n *Node, depth int) bool {
		if !visit(n, depth) {
			return false
		}
		if maxDepth >= 0 && depth >= maxDepth {
			return true
		}
		for _, c := range n.Children() {
			if !walk(c, depth+1) {
				return false
			}
		}
		return true
	}
	walk(t.root, 0)
}

// WalkPostOrder visits each node's children before the node itself.
func (t *Tree) WalkPostOrder(maxDepth int, visit Visitor) {
	var walk func(n *Node, depth int) bool
	walk = func(n *Node, depth int) bool {
		if maxDepth < 0 || depth < maxDepth {
			for _, c := range n.Children() {
				if !walk(c, depth+1) {
					return false
				}
			}
		}
		return visit(n, depth)
	}
	walk(t.root, 0)
}

// WalkBreadthFirst visits nodes level by level starting at the root.
func (t *Tree) WalkBreadthFirst(maxDepth int, visit Visitor) {
	type item struct {
		n     *Node
		depth int
	}
	queue := []item{{t.root, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if !visit(cur.n, cur.depth) {
			return
		}
		if maxDepth >= 0 && cur.depth >= maxDepth {
			continue
		}
		for _, c := range cur.n.Children() {
			queue = append(queue, item{c, cur.depth + 1})
		}
	}
}
