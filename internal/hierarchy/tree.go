package hierarchy

import (
	"fmt"
	"sort"

	"github.com/odyssey-erp/boardauthz/internal/shared"
)

// Department is one node of the organisation forest. Path lists ancestor ids
// from the root down to and including the department itself.
type Department struct {
	ID             string   `json:"id"`
	ParentID       *string  `json:"parent_id,omitempty"`
	Name           string   `json:"name"`
	Level          int      `json:"level"`
	Path           []string `json:"path"`
	InheritEnabled bool     `json:"inherit_enabled"`
}

// DepartmentInput is a directory sync payload for one department.
type DepartmentInput struct {
	ID             string
	ParentID       *string
	Name           string
	InheritEnabled bool
}

// Tree is an immutable arena snapshot of the department forest.
type Tree struct {
	nodes    []Department
	index    map[string]int
	children [][]int
}

// NewTree validates rows as a forest and computes level and path for each node.
// Stored level and path values are ignored.
func NewTree(rows []Department) (*Tree, error) {
	t := &Tree{
		nodes:    make([]Department, len(rows)),
		index:    make(map[string]int, len(rows)),
		children: make([][]int, len(rows)),
	}
	for i, row := range rows {
		if row.ID == "" {
			return nil, fmt.Errorf("%w: department id required", shared.ErrValidation)
		}
		if _, dup := t.index[row.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate department %s", shared.ErrValidation, row.ID)
		}
		t.index[row.ID] = i
		row.Path, row.Level = nil, 0
		t.nodes[i] = row
	}
	for i, node := range t.nodes {
		if node.ParentID == nil {
			continue
		}
		parent, ok := t.index[*node.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: department %s has unknown parent %s", shared.ErrValidation, node.ID, *node.ParentID)
		}
		if parent == i {
			return nil, fmt.Errorf("%w: department %s is its own parent", shared.ErrValidation, node.ID)
		}
		t.children[parent] = append(t.children[parent], i)
	}

	// Paths are assigned top-down from the roots; any node left unreached sits on a cycle.
	assigned := 0
	queue := make([]int, 0, len(t.nodes))
	for i, node := range t.nodes {
		if node.ParentID == nil {
			t.nodes[i].Path = []string{node.ID}
			t.nodes[i].Level = 1
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		assigned++
		for _, child := range t.children[i] {
			path := make([]string, len(t.nodes[i].Path)+1)
			copy(path, t.nodes[i].Path)
			path[len(path)-1] = t.nodes[child].ID
			t.nodes[child].Path = path
			t.nodes[child].Level = len(path)
			queue = append(queue, child)
		}
	}
	if assigned != len(t.nodes) {
		var cyclic []string
		for _, node := range t.nodes {
			if node.Path == nil {
				cyclic = append(cyclic, node.ID)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("%w: department cycle through %v", shared.ErrValidation, cyclic)
	}
	return t, nil
}

// Len returns the number of departments.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Get returns one department.
func (t *Tree) Get(id string) (Department, bool) {
	i, ok := t.index[id]
	if !ok {
		return Department{}, false
	}
	return t.nodes[i], true
}

// All returns every department ordered by path depth, parents before children.
func (t *Tree) All() []Department {
	out := make([]Department, len(t.nodes))
	copy(out, t.nodes)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AncestorsOf returns the chain from id up to its root, nearest first.
func (t *Tree) AncestorsOf(id string) ([]Department, error) {
	i, ok := t.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: department %s", shared.ErrNotFound, id)
	}
	path := t.nodes[i].Path
	out := make([]Department, 0, len(path))
	for k := len(path) - 1; k >= 0; k-- {
		out = append(out, t.nodes[t.index[path[k]]])
	}
	return out, nil
}

// DescendantsOf returns id and every department below it.
func (t *Tree) DescendantsOf(id string) ([]string, error) {
	root, ok := t.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: department %s", shared.ErrNotFound, id)
	}
	out := []string{}
	stack := []int{root}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, t.nodes[i].ID)
		stack = append(stack, t.children[i]...)
	}
	sort.Strings(out)
	return out, nil
}

// InheritanceChain returns the departments whose grants can reach id: id
// itself, then each ancestor, stopping at the first node that does not inherit
// from its parent. That node is included; its parent is not.
func (t *Tree) InheritanceChain(id string) ([]Department, error) {
	ancestors, err := t.AncestorsOf(id)
	if err != nil {
		return nil, err
	}
	for k, dept := range ancestors {
		if !dept.InheritEnabled {
			return ancestors[:k+1], nil
		}
	}
	return ancestors, nil
}
