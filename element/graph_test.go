package element

import "testing"

func TestGraphCheckCyclesDetectsCycle(t *testing.T) {
	g := newGraph()
	g.addElement(&LoadElement{FullName: "a"})
	g.addElement(&LoadElement{FullName: "b"})
	g.addElement(&LoadElement{FullName: "c"})
	g.addEdge("a", "b")
	g.addEdge("b", "c")
	g.addEdge("c", "a")

	if err := g.checkCycles(); err == nil {
		t.Fatal("expected a circular dependency error")
	}
}

func TestGraphCheckCyclesAcceptsDAG(t *testing.T) {
	g := newGraph()
	g.addElement(&LoadElement{FullName: "a"})
	g.addElement(&LoadElement{FullName: "b"})
	g.addElement(&LoadElement{FullName: "c"})
	g.addEdge("a", "b")
	g.addEdge("a", "c")
	g.addEdge("b", "c")

	if err := g.checkCycles(); err != nil {
		t.Fatalf("expected no error for a valid DAG, got %v", err)
	}
}

func TestGraphTransitiveClosure(t *testing.T) {
	g := newGraph()
	g.addElement(&LoadElement{FullName: "a"})
	g.addElement(&LoadElement{FullName: "b"})
	g.addElement(&LoadElement{FullName: "c"})
	g.addEdge("a", "b")
	g.addEdge("b", "c")

	closure := g.transitiveClosure()
	if !closure["a"].Has("c") {
		t.Fatal("expected a's closure to include c transitively via b")
	}
}
