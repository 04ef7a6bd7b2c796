package engine

import (
	"fmt"

	"github.com/namel3ss/n3flow/ir"
)

type (
	// node is one lowered flow-graph node. Control steps carry extra edges:
	// branches their two arms, parallels their join, tries their catch
	// chain.
	node struct {
		id   string
		step *ir.Step

		// next is the forward edge list. One edge continues sequentially;
		// parallel nodes fan out over all of them.
		next []string

		// branchTrue/branchFalse are the arm entries of a branch node.
		branchTrue  string
		branchFalse string

		// joinID is where fanned-out branches stop and merge.
		joinID string

		// boundary is the catch-chain entry handling failures of this node.
		boundary  string
		catchName string

		// skipTo is where execution resumes when the step's when-guard
		// evaluates false.
		skipTo string
	}

	// flowGraph is a lowered flow: nodes keyed by id plus the entry id.
	flowGraph struct {
		entry string
		nodes map[string]*node
	}

	graphBuilder struct {
		nodes map[string]*node
		seq   int
	}
)

// joinKind marks synthetic join nodes in lowered graphs.
const joinKind = ir.StepJoin

// lowerFlow lowers a flow's step list to a node graph. Lowering is cheap
// and runs on every flow invocation.
func lowerFlow(flow *ir.Flow) (*flowGraph, error) {
	b := &graphBuilder{nodes: make(map[string]*node)}
	entry, err := b.lowerSteps(flow.Steps, "")
	if err != nil {
		return nil, err
	}
	return &flowGraph{entry: entry, nodes: b.nodes}, nil
}

// lowerSteps lowers a step sequence into a chain ending at exit and returns
// the chain entry. An empty sequence collapses to exit.
func (b *graphBuilder) lowerSteps(steps []*ir.Step, exit string) (string, error) {
	entry := exit
	for i := len(steps) - 1; i >= 0; i-- {
		id, err := b.lowerStep(steps[i], entry)
		if err != nil {
			return "", err
		}
		entry = id
	}
	return entry, nil
}

func (b *graphBuilder) lowerStep(step *ir.Step, cont string) (string, error) {
	id := b.id(step)
	n := &node{id: id, step: step}

	switch step.Kind {
	case ir.StepBranch, ir.StepCondition:
		trueEntry, err := b.lowerSteps(step.TrueSteps, cont)
		if err != nil {
			return "", err
		}
		falseEntry, err := b.lowerSteps(step.FalseSteps, cont)
		if err != nil {
			return "", err
		}
		n.branchTrue = trueEntry
		n.branchFalse = falseEntry

	case ir.StepParallel:
		if len(step.ParallelBranches) == 0 {
			n.next = contEdge(cont)
			break
		}
		joinID := id + ".join"
		join := &node{id: joinID, step: &ir.Step{Kind: joinKind, Name: joinID}, next: contEdge(cont)}
		b.nodes[joinID] = join
		n.joinID = joinID
		for _, branch := range step.ParallelBranches {
			entry, err := b.lowerSteps(branch, joinID)
			if err != nil {
				return "", err
			}
			if entry == "" || entry == joinID {
				continue
			}
			n.next = append(n.next, entry)
		}
		if len(n.next) == 0 {
			n.next = contEdge(cont)
			n.joinID = ""
		}

	case ir.StepTry:
		catchEntry, err := b.lowerSteps(step.CatchSteps, cont)
		if err != nil {
			return "", err
		}
		n.boundary = catchEntry
		n.catchName = step.CatchName
		if n.catchName == "" {
			n.catchName = "err"
		}
		n.next = contEdge(cont)

	default:
		n.next = contEdge(cont)
	}

	n.skipTo = cont
	if _, exists := b.nodes[id]; exists {
		return "", errf(CodeUnknownTarget, "flow declares two steps named '%s'. Give each step a distinct name", id)
	}
	b.nodes[id] = n
	return id, nil
}

func (b *graphBuilder) id(step *ir.Step) string {
	if step.Name != "" {
		return step.Name
	}
	b.seq++
	return fmt.Sprintf("%s_%d", step.Kind, b.seq)
}

func contEdge(cont string) []string {
	if cont == "" {
		return nil
	}
	return []string{cont}
}
