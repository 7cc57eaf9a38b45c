package summarize

// group accumulates alignments toward one output record at one level.
type group struct {
	level  int32
	count  int32
	sumBeg int64
	sumEnd int64
	sink   Sink
}

// add folds one interval into the group and emits a record once level
// alignments have accumulated.
func (g *group) add(refID int32, rng Range) error {
	g.count++
	g.sumBeg += int64(rng.Beg)
	g.sumEnd += int64(rng.End)
	if g.count == g.level {
		return g.flush(refID)
	}
	return nil
}

// flush emits the accumulated record, if any.  The interval bounds are
// the means of the members' bounds, rounded down.
func (g *group) flush(refID int32) error {
	if g.count == 0 {
		return nil
	}
	rec := SummaryRecord{
		RefID: refID,
		Range: Range{
			Beg: int32(g.sumBeg / int64(g.count)),
			End: int32(g.sumEnd / int64(g.count)),
		},
		Count: g.count,
	}
	g.count = 0
	g.sumBeg = 0
	g.sumEnd = 0
	return g.sink.Write(rec)
}

// Aggregator folds a key-ordered stream of alignment intervals into
// summary records at several levels at once.  A level-n group combines n
// consecutive alignments of one reference sequence; reference changes
// flush every level's partial group so that no record spans two
// references.
type Aggregator struct {
	// currentRef starts at zero rather than an explicit sentinel.  The
	// groups are all empty before the first Add, so a first record on a
	// nonzero reference triggers a flush that writes nothing.
	currentRef int32
	groups     []group
}

// NewAggregator returns an Aggregator for the given levels.  sinks is
// called once per level to obtain the destination for that level's
// records.
func NewAggregator(levels []int, sinks func(level int) (Sink, error)) (*Aggregator, error) {
	a := &Aggregator{groups: make([]group, 0, len(levels))}
	for _, lvl := range levels {
		s, err := sinks(lvl)
		if err != nil {
			return nil, err
		}
		a.groups = append(a.groups, group{level: int32(lvl), sink: s})
	}
	return a, nil
}

// Add folds one alignment into every level's group.  Calls must be
// ordered by key.
func (a *Aggregator) Add(key Key, rng Range) error {
	if ref := key.RefID(); ref != a.currentRef {
		if err := a.flushAll(); err != nil {
			return err
		}
		a.currentRef = ref
	}
	for i := range a.groups {
		if err := a.groups[i].add(a.currentRef, rng); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) flushAll() error {
	for i := range a.groups {
		if err := a.groups[i].flush(a.currentRef); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits the partial group of every level.  Call it after the last
// Add; records written by Flush report their true, smaller count.
func (a *Aggregator) Flush() error {
	return a.flushAll()
}
