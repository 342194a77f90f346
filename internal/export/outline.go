package export

import "mindtrail/api/internal/graph"

// OutlineItem is one concept in the nested outline of a session graph.
type OutlineItem struct {
	Label       string
	Description string
	Emoji       string
	Children    []OutlineItem
}

// BuildOutline nests nodes under their parents. Roots keep node order and
// children keep edge order; a node reachable twice is listed once.
func BuildOutline(nodes []graph.Node, edges []graph.Edge) []OutlineItem {
	byID := make(map[string]graph.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	children := make(map[string][]string)
	hasParent := make(map[string]bool)
	for _, e := range edges {
		if _, ok := byID[e.Source]; !ok {
			continue
		}
		if _, ok := byID[e.Target]; !ok || e.Source == e.Target {
			continue
		}
		children[e.Source] = append(children[e.Source], e.Target)
		hasParent[e.Target] = true
	}

	visited := make(map[string]bool, len(nodes))
	var build func(id string) OutlineItem
	build = func(id string) OutlineItem {
		visited[id] = true
		n := byID[id]
		item := OutlineItem{Label: n.Label, Description: n.Description, Emoji: n.Emoji}
		for _, child := range children[id] {
			if visited[child] {
				continue
			}
			item.Children = append(item.Children, build(child))
		}
		return item
	}

	outline := make([]OutlineItem, 0)
	for _, n := range nodes {
		if hasParent[n.ID] || visited[n.ID] {
			continue
		}
		outline = append(outline, build(n.ID))
	}
	// nodes only reachable through a cycle
	for _, n := range nodes {
		if !visited[n.ID] {
			outline = append(outline, build(n.ID))
		}
	}
	return outline
}
