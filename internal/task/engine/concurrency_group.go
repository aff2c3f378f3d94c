package engine

import "strings"

// groupCounter tracks running units per concurrency key. It is guarded by
// the Service mutex.
type groupCounter struct {
	inUse map[string]int
}

func groupKey(k string) string { return strings.TrimSpace(k) }

func (g *groupCounter) canRun(key string, limit int) bool {
	if key == "" || limit <= 0 {
		return true
	}
	return g.inUse[key] < limit
}

func (g *groupCounter) acquire(key string) {
	if key == "" {
		return
	}
	if g.inUse == nil {
		g.inUse = make(map[string]int)
	}
	g.inUse[key]++
}

func (g *groupCounter) release(key string) {
	if key == "" {
		return
	}
	if n := g.inUse[key]; n > 1 {
		g.inUse[key] = n - 1
	} else {
		delete(g.inUse, key)
	}
}
