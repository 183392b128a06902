// Package clausetree turns flat contract text into a hierarchical clause
// structure, plus the cross-reference and definitions tables derived from
// it.
package clausetree

import "strings"

// Clause is one node of the document hierarchy. StartOffset and EndOffset
// bound the clause's own text (heading plus body, excluding descendants)
// in the source document, so spans are non-overlapping and increase in
// document order.
type Clause struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Text        string    `json:"text"`
	Depth       int       `json:"depth"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Children    []*Clause `json:"children,omitempty"`
}

// Tree holds the ordered clause hierarchy with an id index for O(1)
// lookup.
type Tree struct {
	Roots []*Clause `json:"roots"`

	index map[string]*Clause
	order []string
}

// NewTree builds the index over an assembled hierarchy. Later duplicates
// of an id are not indexed; document order decides.
func NewTree(roots []*Clause) *Tree {
	t := &Tree{
		Roots: roots,
		index: make(map[string]*Clause),
	}
	var walk func(c *Clause)
	walk = func(c *Clause) {
		if _, seen := t.index[c.ID]; !seen {
			t.index[c.ID] = c
			t.order = append(t.order, c.ID)
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	return t
}

// Get returns the clause with the given id, or nil.
func (t *Tree) Get(id string) *Clause {
	return t.index[id]
}

// IDs returns all clause ids in document order.
func (t *Tree) IDs() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of indexed clauses.
func (t *Tree) Len() int {
	return len(t.order)
}

// Neighbors returns the clauses immediately before and after the given id
// in document order. Either may be nil at the edges or when id is unknown.
func (t *Tree) Neighbors(id string) (prev, next *Clause) {
	for i, cid := range t.order {
		if cid != id {
			continue
		}
		if i > 0 {
			prev = t.index[t.order[i-1]]
		}
		if i+1 < len(t.order) {
			next = t.index[t.order[i+1]]
		}
		return prev, next
	}
	return nil, nil
}

// FullText reconstructs the document text of a clause including its
// descendants.
func (t *Tree) FullText(id string) string {
	c := t.index[id]
	if c == nil {
		return ""
	}
	var b strings.Builder
	var walk func(c *Clause)
	walk = func(c *Clause) {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(c.Text)
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(c)
	return b.String()
}
