// Package graph owns the estimation problem: the trajectory of frames, the
// map of landmarks, and everything hanging off them.
//
// The ownership tree is
//
//	Problem
//	├── Trajectory ── Frame ── Capture ── Feature ── Correspondence
//	└── Map ── Landmark
//
// Frames, landmarks and dynamic sensors own state blocks in the problem's
// arena. Correspondences reference blocks they do not own; destroying the
// owner of a block destroys every correspondence that references it.
//
// Solver bookkeeping is accumulated as the tree changes and handed out by
// Drain. A block or correspondence that is created and destroyed between two
// drains is never reported.
package graph
