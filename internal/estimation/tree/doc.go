// Package tree owns the ownership graph of an estimation problem.
//
// Nodes live in an index arena and are addressed by Ref values that carry a
// generation counter, so a Ref taken before a node was destroyed resolves to
// ErrDanglingReference instead of a recycled slot. Every node owns its
// children; the upward link is a plain Ref and never keeps a parent alive.
//
// Destruction is depth-first. Children are destroyed before their parent,
// the destroy hook runs once per node while the payload is still readable,
// and a node that is already being destroyed ignores further requests.
package tree
