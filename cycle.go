package formulaengine

// hasCycle reports whether the dependency edges contain a cycle. Depth
// first search with a recursion stack: a dependency that is already on the
// current path closes a cycle. Short-circuits on the first one found.
func (g *dependencyGraph) hasCycle() bool {
	n := g.arena.len()
	visited := make([]bool, n)
	onPath := make([]bool, n)
	for id := 0; id < n; id++ {
		if !visited[id] && g.cycleFrom(nodeID(id), visited, onPath) {
			return true
		}
	}
	return false
}

func (g *dependencyGraph) cycleFrom(id nodeID, visited, onPath []bool) bool {
	visited[id] = true
	onPath[id] = true
	for _, dep := range g.arena.node(id).dependencies {
		if onPath[dep] {
			return true
		}
		if !visited[dep] && g.cycleFrom(dep, visited, onPath) {
			return true
		}
	}
	onPath[id] = false
	return false
}
