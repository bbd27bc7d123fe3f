package vspace

import (
	"github.com/pscnv/gpumem/memutils"
)

// mapNode is one interval of an address space. Nodes with a nil mapping are free gaps.
type mapNode struct {
	start   uint64
	size    uint64
	mapping *Mapping

	// maxgap is the size of the largest free node in the subtree rooted here
	maxgap uint64

	left, right, parent *mapNode
	red                 bool
}

func (n *mapNode) end() uint64 { return n.start + n.size }
func (n *mapNode) free() bool  { return n.mapping == nil }

// mapTree is a red-black tree of mapNodes ordered by start address, augmented with maxgap.
// Leaves and the root's parent are the shared sentinel.
type mapTree struct {
	root     *mapNode
	sentinel *mapNode
	count    int
}

func newMapTree() *mapTree {
	sentinel := &mapNode{}
	sentinel.left = sentinel
	sentinel.right = sentinel
	sentinel.parent = sentinel
	return &mapTree{root: sentinel, sentinel: sentinel}
}

func (t *mapTree) isNil(n *mapNode) bool { return n == t.sentinel }

// augment recomputes n's maxgap from its children
func (t *mapTree) augment(n *mapNode) {
	var maxgap uint64
	if n.free() {
		maxgap = n.size
	}
	if !t.isNil(n.left) && n.left.maxgap > maxgap {
		maxgap = n.left.maxgap
	}
	if !t.isNil(n.right) && n.right.maxgap > maxgap {
		maxgap = n.right.maxgap
	}
	n.maxgap = maxgap
}

// augmentToRoot recomputes maxgap for n and every ancestor of n
func (t *mapTree) augmentToRoot(n *mapNode) {
	for ; !t.isNil(n); n = n.parent {
		t.augment(n)
	}
}

func (t *mapTree) rotateLeft(x *mapNode) {
	y := x.right
	x.right = y.left
	if !t.isNil(y.left) {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case t.isNil(x.parent):
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y

	t.augment(x)
	t.augment(y)
}

func (t *mapTree) rotateRight(x *mapNode) {
	y := x.left
	x.left = y.right
	if !t.isNil(y.right) {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case t.isNil(x.parent):
		t.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y

	t.augment(x)
	t.augment(y)
}

// insert links a new node into the tree. The node must not overlap any existing node.
func (t *mapTree) insert(n *mapNode) {
	n.left = t.sentinel
	n.right = t.sentinel
	n.red = true

	parent := t.sentinel
	cur := t.root
	for !t.isNil(cur) {
		parent = cur
		if n.start < cur.start {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	n.parent = parent
	switch {
	case t.isNil(parent):
		t.root = n
	case n.start < parent.start:
		parent.left = n
	default:
		parent.right = n
	}
	t.count++

	t.augmentToRoot(n)
	t.insertFixup(n)
}

func (t *mapTree) insertFixup(z *mapNode) {
	for z.parent.red {
		if z.parent == z.parent.parent.left {
			uncle := z.parent.parent.right
			if uncle.red {
				z.parent.red = false
				uncle.red = false
				z.parent.parent.red = true
				z = z.parent.parent
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			z.parent.red = false
			z.parent.parent.red = true
			t.rotateRight(z.parent.parent)
		} else {
			uncle := z.parent.parent.left
			if uncle.red {
				z.parent.red = false
				uncle.red = false
				z.parent.parent.red = true
				z = z.parent.parent
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			z.parent.red = false
			z.parent.parent.red = true
			t.rotateLeft(z.parent.parent)
		}
	}
	t.root.red = false
}

func (t *mapTree) transplant(u, v *mapNode) {
	switch {
	case t.isNil(u.parent):
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	v.parent = u.parent
}

func (t *mapTree) minimum(n *mapNode) *mapNode {
	for !t.isNil(n.left) {
		n = n.left
	}
	return n
}

func (t *mapTree) maximum(n *mapNode) *mapNode {
	for !t.isNil(n.right) {
		n = n.right
	}
	return n
}

// remove unlinks z. Other nodes keep their identity: z's successor is relinked into z's
// position rather than having its contents copied.
func (t *mapTree) remove(z *mapNode) {
	y := z
	yWasRed := y.red
	var x *mapNode

	switch {
	case t.isNil(z.left):
		x = z.right
		t.transplant(z, z.right)
	case t.isNil(z.right):
		x = z.left
		t.transplant(z, z.left)
	default:
		y = t.minimum(z.right)
		yWasRed = y.red
		x = y.right
		if y.parent == z {
			x.parent = y
		} else {
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.red = z.red
	}
	t.count--

	t.augmentToRoot(x.parent)
	if !yWasRed {
		t.removeFixup(x)
	}

	t.sentinel.parent = t.sentinel
	t.sentinel.red = false
	t.sentinel.maxgap = 0
	z.left, z.right, z.parent = nil, nil, nil
}

func (t *mapTree) removeFixup(x *mapNode) {
	for x != t.root && !x.red {
		if x == x.parent.left {
			w := x.parent.right
			if w.red {
				w.red = false
				x.parent.red = true
				t.rotateLeft(x.parent)
				w = x.parent.right
			}
			if !w.left.red && !w.right.red {
				w.red = true
				x = x.parent
				continue
			}
			if !w.right.red {
				w.left.red = false
				w.red = true
				t.rotateRight(w)
				w = x.parent.right
			}
			w.red = x.parent.red
			x.parent.red = false
			w.right.red = false
			t.rotateLeft(x.parent)
			x = t.root
		} else {
			w := x.parent.left
			if w.red {
				w.red = false
				x.parent.red = true
				t.rotateRight(x.parent)
				w = x.parent.left
			}
			if !w.right.red && !w.left.red {
				w.red = true
				x = x.parent
				continue
			}
			if !w.left.red {
				w.right.red = false
				w.red = true
				t.rotateLeft(w)
				w = x.parent.left
			}
			w.red = x.parent.red
			x.parent.red = false
			w.left.red = false
			t.rotateRight(x.parent)
			x = t.root
		}
	}
	x.red = false
}

func (t *mapTree) next(n *mapNode) *mapNode {
	if !t.isNil(n.right) {
		return t.minimum(n.right)
	}
	parent := n.parent
	for !t.isNil(parent) && n == parent.right {
		n = parent
		parent = parent.parent
	}
	if t.isNil(parent) {
		return nil
	}
	return parent
}

func (t *mapTree) prev(n *mapNode) *mapNode {
	if !t.isNil(n.left) {
		return t.maximum(n.left)
	}
	parent := n.parent
	for !t.isNil(parent) && n == parent.left {
		n = parent
		parent = parent.parent
	}
	if t.isNil(parent) {
		return nil
	}
	return parent
}

func (t *mapTree) first() *mapNode {
	if t.isNil(t.root) {
		return nil
	}
	return t.minimum(t.root)
}

// ascend visits every node in address order until iter returns false
func (t *mapTree) ascend(iter func(n *mapNode) bool) {
	for n := t.first(); n != nil; n = t.next(n) {
		if !iter(n) {
			return
		}
	}
}

// findMapped returns the mapped node that begins at start
func (t *mapTree) findMapped(start uint64) *mapNode {
	n := t.root
	for !t.isNil(n) {
		if n.start == start && !n.free() {
			return n
		}
		if start < n.start {
			n = n.left
		} else {
			n = n.right
		}
	}
	return nil
}

// containing returns the node whose interval holds addr
func (t *mapTree) containing(addr uint64) *mapNode {
	n := t.root
	for !t.isNil(n) {
		switch {
		case addr < n.start:
			n = n.left
		case addr >= n.end():
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// search finds a free node that can hold size bytes within [lo, hi) and returns it together with
// the start address chosen inside it. Subtrees whose maxgap is too small are pruned. The node
// itself is preferred over the child on the far side of the search direction.
func (t *mapTree) search(n *mapNode, size, lo, hi uint64, fromBack bool) (*mapNode, uint64, bool) {
	leftOK := !t.isNil(n.left) && n.left.maxgap >= size && n.start > lo
	rightOK := !t.isNil(n.right) && n.right.maxgap >= size && n.end() < hi

	if !fromBack && leftOK {
		if found, start, ok := t.search(n.left, size, lo, hi, fromBack); ok {
			return found, start, true
		}
	}
	if fromBack && rightOK {
		if found, start, ok := t.search(n.right, size, lo, hi, fromBack); ok {
			return found, start, true
		}
	}

	mstart := n.start
	if mstart < lo {
		mstart = lo
	}
	mend := n.end()
	if mend > hi {
		mend = hi
	}
	if n.free() && mstart < mend && size <= mend-mstart {
		if fromBack {
			mstart = mend - size
		}
		return n, mstart, true
	}

	if fromBack && leftOK {
		if found, start, ok := t.search(n.left, size, lo, hi, fromBack); ok {
			return found, start, true
		}
	}
	if !fromBack && rightOK {
		if found, start, ok := t.search(n.right, size, lo, hi, fromBack); ok {
			return found, start, true
		}
	}
	return nil, 0, false
}

// carve splits the free node n so that [start, start+size) becomes a node of its own, leaving
// the leading and trailing slack as free nodes. It returns the carved node.
func (t *mapTree) carve(n *mapNode, start, size uint64) *mapNode {
	end := start + size
	if n.end() != end {
		trailing := &mapNode{start: end, size: n.end() - end}
		n.size = end - n.start
		t.augmentToRoot(n)
		t.insert(trailing)
	}
	if n.start != start {
		n.size = start - n.start
		t.augmentToRoot(n)
		carved := &mapNode{start: start, size: size}
		t.insert(carved)
		return carved
	}
	return n
}

// coalesce merges the free node n with free neighbors and returns the surviving node
func (t *mapTree) coalesce(n *mapNode) *mapNode {
	if next := t.next(n); next != nil && next.free() {
		size := next.size
		t.remove(next)
		n.size += size
		t.augmentToRoot(n)
	}
	if prev := t.prev(n); prev != nil && prev.free() {
		size := n.size
		t.remove(n)
		prev.size += size
		t.augmentToRoot(prev)
		n = prev
	}
	return n
}

// validate checks that the nodes partition [0, limit), that maxgap is exact everywhere and that
// the red-black shape holds
func (t *mapTree) validate(limit uint64) error {
	if t.root.red {
		return memutils.InvariantViolationf("map tree root is red")
	}
	if !t.isNil(t.root) && !t.isNil(t.root.parent) {
		return memutils.InvariantViolationf("map tree root %#x has a parent", t.root.start)
	}

	var expected uint64
	var count int
	var err error
	t.ascend(func(n *mapNode) bool {
		count++
		if n.start != expected {
			err = memutils.InvariantViolationf("map node %#x does not begin at %#x", n.start, expected)
			return false
		}
		if n.size == 0 {
			err = memutils.InvariantViolationf("map node %#x is empty", n.start)
			return false
		}
		expected = n.end()
		return true
	})
	if err != nil {
		return err
	}
	if expected != limit {
		return memutils.InvariantViolationf("map nodes end at %#x instead of %#x", expected, limit)
	}
	if count != t.count {
		return memutils.InvariantViolationf("map tree holds %d nodes but counts %d", count, t.count)
	}

	_, _, err = t.validateSubtree(t.root)
	return err
}

// validateSubtree returns the subtree's true maxgap and black height
func (t *mapTree) validateSubtree(n *mapNode) (uint64, int, error) {
	if t.isNil(n) {
		return 0, 1, nil
	}

	if !t.isNil(n.left) && n.left.parent != n {
		return 0, 0, memutils.InvariantViolationf("map node %#x has a stale parent link", n.left.start)
	}
	if !t.isNil(n.right) && n.right.parent != n {
		return 0, 0, memutils.InvariantViolationf("map node %#x has a stale parent link", n.right.start)
	}
	if n.red && (n.left.red || n.right.red) {
		return 0, 0, memutils.InvariantViolationf("red map node %#x has a red child", n.start)
	}

	leftGap, leftHeight, err := t.validateSubtree(n.left)
	if err != nil {
		return 0, 0, err
	}
	rightGap, rightHeight, err := t.validateSubtree(n.right)
	if err != nil {
		return 0, 0, err
	}
	if leftHeight != rightHeight {
		return 0, 0, memutils.InvariantViolationf("map node %#x has unequal black heights %d and %d", n.start, leftHeight, rightHeight)
	}

	maxgap := leftGap
	if rightGap > maxgap {
		maxgap = rightGap
	}
	if n.free() && n.size > maxgap {
		maxgap = n.size
	}
	if n.maxgap != maxgap {
		return 0, 0, memutils.InvariantViolationf("map node %#x records maxgap %#x but its subtree's is %#x", n.start, n.maxgap, maxgap)
	}

	height := leftHeight
	if !n.red {
		height++
	}
	return maxgap, height, nil
}
