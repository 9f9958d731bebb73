package goap

import (
	"container/heap"

	"github.com/swarmmem/swarmmem/pkg/errors"
)

// maxPlanNodes bounds the search so a malformed action set cannot spin
// the planner forever.
const maxPlanNodes = 10000

// FormulatePlan runs forward A* from start toward the goal's desired
// state over the given actions. It returns the cheapest ordered action
// id sequence and its total cost. ErrNotFound when no sequence reaches
// the goal.
func FormulatePlan(start WorldState, goal Goal, actions []Action) ([]string, float64, error) {
	if len(goal.Desired) == 0 {
		return nil, 0, errors.Wrap(errors.ErrValidation, "goal %s has no desired state", goal.ID)
	}
	if start.Satisfies(goal.Desired) {
		return []string{}, 0, nil
	}

	open := &nodeHeap{}
	heap.Init(open)
	heap.Push(open, &planNode{
		state: start,
		cost:  0,
		est:   heuristic(start, goal.Desired),
	})

	best := map[string]float64{start.key(): 0}
	expanded := 0

	for open.Len() > 0 {
		node := heap.Pop(open).(*planNode)
		if node.state.Satisfies(goal.Desired) {
			return node.path(), node.cost, nil
		}
		expanded++
		if expanded > maxPlanNodes {
			break
		}

		for i := range actions {
			action := &actions[i]
			if !node.state.Satisfies(action.Preconditions) {
				continue
			}
			next := node.state.Apply(action.Effects)
			cost := node.cost + actionCost(action)
			key := next.key()
			if prev, seen := best[key]; seen && prev <= cost {
				continue
			}
			best[key] = cost
			heap.Push(open, &planNode{
				state:  next,
				cost:   cost,
				est:    cost + heuristic(next, goal.Desired),
				action: action.ID,
				parent: node,
			})
		}
	}
	return nil, 0, errors.Wrap(errors.ErrNotFound, "no action sequence reaches goal %s", goal.ID)
}

// actionCost treats unset costs as unit cost so zero-valued records do
// not make every plan free.
func actionCost(a *Action) float64 {
	if a.Cost <= 0 {
		return 1
	}
	return a.Cost
}

// heuristic counts unsatisfied goal conditions. Each action can fix at
// least one condition at cost >= 1 only when costs are >= 1, so this is
// admissible for unit costs and a usable guide otherwise.
func heuristic(state, desired WorldState) float64 {
	missing := 0
	for key, want := range desired {
		if state[key] != want {
			missing++
		}
	}
	return float64(missing)
}

type planNode struct {
	state  WorldState
	cost   float64
	est    float64
	action string
	parent *planNode
}

// path reconstructs the action sequence from the root to this node.
func (n *planNode) path() []string {
	var rev []string
	for cur := n; cur != nil && cur.action != ""; cur = cur.parent {
		rev = append(rev, cur.action)
	}
	out := make([]string, len(rev))
	for i, id := range rev {
		out[len(rev)-1-i] = id
	}
	return out
}

type nodeHeap []*planNode

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].est < h[j].est }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(*planNode)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
