package fragment

import (
	"conductor/internal/fault"
)

// Traversal depth limits.
const (
	DefaultTraverseDepth = 3
	MaxTraverseDepth     = 10
)

// TraverseOptions controls graph expansion. MaxDepth 0 takes the
// default; LinkTypes empty follows every type; Direction empty follows
// both directions. IncludeFragments inlines fragment records into the
// nodes.
type TraverseOptions struct {
	MaxDepth         int        `json:"maxDepth,omitempty"`
	LinkTypes        []LinkType `json:"linkTypes,omitempty"`
	Direction        Direction  `json:"direction,omitempty"`
	IncludeFragments bool       `json:"includeFragments,omitempty"`
}

// TraversalNode is one reached fragment. LinkPath lists the link ids
// walked from the start, empty for the start itself.
type TraversalNode struct {
	Fragment *Fragment `json:"fragment,omitempty"`
	Depth    int       `json:"depth"`
	LinkPath []string  `json:"linkPath"`
}

// Traversal is the BFS result.
type Traversal struct {
	StartFragment   string                   `json:"startFragment"`
	Nodes           map[string]TraversalNode `json:"nodes"`
	TotalNodes      int                      `json:"totalNodes"`
	MaxDepthReached int                      `json:"maxDepthReached"`
	CyclesDetected  int                      `json:"cyclesDetected"`
}

type traverseItem struct {
	id    string
	depth int
	path  []string
	via   string
}

// Traverse walks the link graph breadth first from startID. Each node is
// expanded once; an edge back into an already reached node counts as a
// cycle and is never followed. The link a node was reached through is
// not walked back out of it. lookup resolves fragment records, both to
// require the start to exist and to inline bodies on request.
func (ls *LinkStore) Traverse(startID string, opts TraverseOptions, lookup func(string) (Fragment, bool)) (Traversal, error) {
	depth := opts.MaxDepth
	if depth == 0 {
		depth = DefaultTraverseDepth
	}
	if depth < 1 || depth > MaxTraverseDepth {
		return Traversal{}, fault.InvalidRequest("maxDepth %d must be between 1 and %d", opts.MaxDepth, MaxTraverseDepth)
	}
	direction, err := normalizeDirection(opts.Direction)
	if err != nil {
		return Traversal{}, err
	}
	for _, lt := range opts.LinkTypes {
		if !linkTypes[lt] {
			return Traversal{}, fault.InvalidRequest("unknown link type %q", lt)
		}
	}
	start, ok := lookup(startID)
	if !ok {
		return Traversal{}, fault.NotFound("fragment %s not found", startID)
	}

	wantType := make(map[LinkType]bool, len(opts.LinkTypes))
	for _, lt := range opts.LinkTypes {
		wantType[lt] = true
	}

	result := Traversal{
		StartFragment: startID,
		Nodes:         make(map[string]TraversalNode),
	}
	addNode := func(id string, d int, path []string, f *Fragment) {
		node := TraversalNode{Depth: d, LinkPath: path}
		if opts.IncludeFragments {
			node.Fragment = f
		}
		result.Nodes[id] = node
		if d > result.MaxDepthReached {
			result.MaxDepthReached = d
		}
	}

	startCopy := start.Clone()
	addNode(startID, 0, []string{}, &startCopy)

	visited := map[string]bool{startID: true}
	queue := []traverseItem{{id: startID, path: []string{}}}

	ls.mu.RLock()
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth == depth {
			continue
		}
		for _, link := range ls.linksForLocked(cur.id, direction) {
			if link.ID == cur.via {
				continue
			}
			if len(wantType) > 0 && !wantType[link.Type] {
				continue
			}
			next := link.TargetID
			if next == cur.id {
				next = link.SourceID
			}
			if visited[next] {
				result.CyclesDetected++
				continue
			}
			visited[next] = true

			path := make([]string, 0, len(cur.path)+1)
			path = append(path, cur.path...)
			path = append(path, link.ID)

			var frag *Fragment
			if opts.IncludeFragments {
				if f, ok := lookup(next); ok {
					fc := f.Clone()
					frag = &fc
				}
			}
			addNode(next, cur.depth+1, path, frag)
			queue = append(queue, traverseItem{id: next, depth: cur.depth + 1, path: path, via: link.ID})
		}
	}
	ls.mu.RUnlock()

	result.TotalNodes = len(result.Nodes)
	return result, nil
}
