package store

// Tree helpers for Collection.DocumentStructure. They never mutate their
// input; each returns a fresh slice.

func cloneNodes(nodes []NavigationNode) []NavigationNode {
	if nodes == nil {
		return nil
	}
	out := make([]NavigationNode, len(nodes))
	for i, node := range nodes {
		out[i] = NavigationNode{
			ID:       node.ID,
			Title:    node.Title,
			URL:      node.URL,
			Children: cloneNodes(node.Children),
		}
	}
	return out
}

// FindNode returns the node with id, searching depth first.
func FindNode(nodes []NavigationNode, id string) (NavigationNode, bool) {
	for _, node := range nodes {
		if node.ID == id {
			return node, true
		}
		if found, ok := FindNode(node.Children, id); ok {
			return found, true
		}
	}
	return NavigationNode{}, false
}

// RemoveNode detaches the node with id (and its subtree) from the tree.
func RemoveNode(nodes []NavigationNode, id string) ([]NavigationNode, *NavigationNode) {
	out := make([]NavigationNode, 0, len(nodes))
	var removed *NavigationNode
	for _, node := range nodes {
		if node.ID == id && removed == nil {
			copied := NavigationNode{ID: node.ID, Title: node.Title, URL: node.URL, Children: cloneNodes(node.Children)}
			removed = &copied
			continue
		}
		children, childRemoved := RemoveNode(node.Children, id)
		if childRemoved != nil && removed == nil {
			removed = childRemoved
		}
		node.Children = children
		out = append(out, node)
	}
	return out, removed
}

// InsertNode places node under parentID (root when empty) at index. A nil or
// out of range index appends. It reports false when parentID is not in the tree.
func InsertNode(nodes []NavigationNode, parentID string, index *int, node NavigationNode) ([]NavigationNode, bool) {
	if parentID == "" {
		return insertAt(cloneNodes(nodes), index, node), true
	}
	out := cloneNodes(nodes)
	inserted := insertUnder(out, parentID, index, node)
	return out, inserted
}

func insertUnder(nodes []NavigationNode, parentID string, index *int, node NavigationNode) bool {
	for i := range nodes {
		if nodes[i].ID == parentID {
			nodes[i].Children = insertAt(nodes[i].Children, index, node)
			return true
		}
		if insertUnder(nodes[i].Children, parentID, index, node) {
			return true
		}
	}
	return false
}

func insertAt(nodes []NavigationNode, index *int, node NavigationNode) []NavigationNode {
	if node.Children == nil {
		node.Children = []NavigationNode{}
	}
	if index == nil || *index < 0 || *index >= len(nodes) {
		return append(nodes, node)
	}
	out := make([]NavigationNode, 0, len(nodes)+1)
	out = append(out, nodes[:*index]...)
	out = append(out, node)
	out = append(out, nodes[*index:]...)
	return out
}

// UpdateNodeTitle rewrites the title of the node with id, if present.
func UpdateNodeTitle(nodes []NavigationNode, id, title string) []NavigationNode {
	out := cloneNodes(nodes)
	var walk func([]NavigationNode) bool
	walk = func(level []NavigationNode) bool {
		for i := range level {
			if level[i].ID == id {
				level[i].Title = title
				return true
			}
			if walk(level[i].Children) {
				return true
			}
		}
		return false
	}
	walk(out)
	return out
}
