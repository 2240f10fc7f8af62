// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package treeio

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/ClusterCockpit/perftree/internal/perftree"
)

// DumpText writes the indented pre-order text rendering
// "[total, self] name (library) [file:line]", one line per node, built
// into a reused []byte buffer flushed through a bufio.Writer.
func DumpText(path string, tree *perftree.Tree) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	buf := make([]byte, 0, 256)

	var walkErr error
	tree.WalkPreOrder(-1, func(n *perftree.Node, depth int) bool {
		buf = buf[:0]
		for i := 0; i < depth; i++ {
			buf = append(buf, '\t')
		}
		buf = append(buf, '[')
		buf = strconv.AppendUint(buf, n.TotalSamples(), 10)
		buf = append(buf, ", "...)
		buf = strconv.AppendUint(buf, n.SelfSamples(), 10)
		buf = append(buf, "] "...)
		buf = append(buf, n.Function...)
		if n.Library != "" {
			buf = append(buf, " ("...)
			buf = append(buf, n.Library...)
			buf = append(buf, ')')
		}
		if n.File != "" {
			buf = append(buf, " ["...)
			buf = append(buf, n.File...)
			buf = append(buf, ':')
			buf = strconv.AppendInt(buf, int64(n.Line), 10)
			buf = append(buf, ']')
		}
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	return w.Flush()
}

// ColorScheme selects how DumpDot colors nodes by total_samples.
type ColorScheme int

const (
	Grayscale ColorScheme = iota
	Heatmap
	Rainbow
)

func ParseColorScheme(s string) (ColorScheme, error) {
	switch s {
	case "grayscale":
		return Grayscale, nil
	case "heatmap":
		return Heatmap, nil
	case "rainbow":
		return Rainbow, nil
	default:
		return 0, fmt.Errorf("treeio: unknown color scheme %q", s)
	}
}

// DumpDot writes a GraphViz description of tree: edges labeled with call
// counts, nodes colored by scheme and normalized to the tree's total
// sample count.
func DumpDot(path string, tree *perftree.Tree, scheme ColorScheme) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if _, err := fmt.Fprintln(w, "digraph perftree {"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "\tnode [style=filled];"); err != nil {
		return err
	}

	ids := assignIDs(tree)
	root := tree.Root()
	maxTotal := root.TotalSamples()
	if maxTotal == 0 {
		maxTotal = 1
	}

	var walkErr error
	tree.WalkPreOrder(-1, func(n *perftree.Node, depth int) bool {
		frac := float64(n.TotalSamples()) / float64(maxTotal)
		label := n.Function
		if n.Library != "" {
			label = fmt.Sprintf("%s\\n%s", n.Function, n.Library)
		}
		if _, err := fmt.Fprintf(w, "\t%d [label=%q, fillcolor=%q];\n", ids[n], label, dotColor(scheme, frac)); err != nil {
			walkErr = err
			return false
		}
		for _, c := range n.Children() {
			if _, err := fmt.Fprintf(w, "\t%d -> %d [label=%d];\n", ids[n], ids[c], n.EdgeWeight(c)); err != nil {
				walkErr = err
				return false
			}
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}

	if _, err := fmt.Fprintln(w, "}"); err != nil {
		return err
	}
	return w.Flush()
}

// dotColor renders frac in [0,1] as a GraphViz color string under scheme.
func dotColor(scheme ColorScheme, frac float64) string {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	switch scheme {
	case Heatmap:
		// blue (cold) to red (hot) through yellow.
		r, g, b := 0, 0, 0
		switch {
		case frac < 0.5:
			t := frac / 0.5
			r, g, b = int(255*t), int(255*t), 255-int(255*t)
		default:
			t := (frac - 0.5) / 0.5
			r, g, b = 255, 255-int(255*t), 0
		}
		return fmt.Sprintf("#%02x%02x%02x", r, g, b)
	case Rainbow:
		// hue sweep from blue (240deg) to red (0deg) via hsvToHex.
		hue := 240 * (1 - frac)
		return hsvToHex(hue, 0.85, 0.95)
	default: // Grayscale
		v := 255 - int(200*frac)
		return fmt.Sprintf("#%02x%02x%02x", v, v, v)
	}
}

func hsvToHex(h, s, v float64) string {
	c := v * s
	x := c * (1 - absFloat(modFloat(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return fmt.Sprintf("#%02x%02x%02x", int((r+m)*255), int((g+m)*255), int((b+m)*255))
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func modFloat(a, b float64) float64 {
	for a >= b {
		a -= b
	}
	return a
}
