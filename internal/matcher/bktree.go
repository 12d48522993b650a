package matcher

import (
	"sort"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
)

// Match is one name within tolerance of a query.
type Match struct {
	Name     catalog.Name `json:"name"`
	Distance int          `json:"distance"`
	// Order is the name's position in the snapshot the tree was built from.
	Order int `json:"-"`
}

type node struct {
	name     catalog.Name
	runes    []rune
	order    int
	children map[int]*node
}

// Tree is a BK-tree over catalog names. A built Tree is read-only and safe
// for concurrent Search calls.
type Tree struct {
	root *node
	size int
}

// Build inserts names in order; the first becomes the root. A name at
// distance 0 from an existing node is a duplicate and is skipped.
func Build(names []catalog.Name) *Tree {
	t := &Tree{}
	for i, n := range names {
		t.insert(n, i)
	}
	return t
}

func (t *Tree) insert(name catalog.Name, order int) {
	nn := &node{name: name, runes: []rune(string(name)), order: order}
	if t.root == nil {
		t.root = nn
		t.size = 1
		return
	}
	cur := t.root
	for {
		d := distanceRunes(cur.runes, nn.runes)
		if d == 0 {
			return
		}
		child, ok := cur.children[d]
		if !ok {
			if cur.children == nil {
				cur.children = make(map[int]*node)
			}
			cur.children[d] = nn
			t.size++
			return
		}
		cur = child
	}
}

// Len is the number of distinct names in the tree.
func (t *Tree) Len() int { return t.size }

// Search returns every name within tolerance of text, sorted by distance
// then by snapshot order. Only child buckets whose key k satisfies
// |k-d| <= tolerance are visited.
func (t *Tree) Search(text string, tolerance int) []Match {
	if t.root == nil || tolerance < 0 {
		return nil
	}
	q := []rune(text)
	var out []Match
	stack := []*node{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		d := distanceRunes(n.runes, q)
		if d <= tolerance {
			out = append(out, Match{Name: n.name, Distance: d, Order: n.order})
		}
		lo, hi := d-tolerance, d+tolerance
		for k, child := range n.children {
			if k >= lo && k <= hi {
				stack = append(stack, child)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Order < out[j].Order
	})
	return out
}
