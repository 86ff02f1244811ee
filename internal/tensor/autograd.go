package tensor

// Backward runs reverse-mode differentiation from a scalar loss node,
// seeding the loss gradient with seed. Gradients accumulate into every
// reachable tensor that requires them.
func Backward(loss *Tensor, seed float32) {
	order := make([]*Tensor, 0, 64)
	visited := make(map[*Tensor]bool)
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		for _, p := range t.prev {
			visit(p)
		}
		order = append(order, t)
	}
	visit(loss)

	g := loss.Grad()
	for i := range g {
		g[i] += seed
	}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.backfn != nil {
			n.backfn(n.Grad())
		}
	}
}
