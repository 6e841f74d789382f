package dagflow

// Entry is a single plan entry: the task body and the indices, into the
// same Plan's Entries slice, of its predecessors. Names are not
// retained past Build; the engine operates purely in index space.
type Entry struct {
	Body  func()
	Preds []int
}

// Plan is the immutable, shareable output of Builder.Build: an ordered
// sequence of entries where every entry's predecessor indices are
// strictly less than its own position. A Plan may be run more than
// once, including concurrently by different Engines, since Engine.Run
// only ever reads from it.
type Plan struct {
	Entries []Entry
}

// Len reports the number of entries in the plan.
func (p Plan) Len() int {
	return len(p.Entries)
}
