package lock

// Mode is the S/X dimension shared by table and record locks (spec §6
// Lock Manager "lock modes").
type Mode uint8

const (
	ModeIS Mode = iota // intention-shared, table locks only
	ModeIX             // intention-exclusive, table locks only
	ModeS
	ModeX
)

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeX:
		return "X"
	default:
		return "?"
	}
}

// tableCompat is the standard IS/IX/S/X compatibility matrix: entry
// [held][requested] is true if a lock of mode requested may be granted
// while one of mode held is already granted to a different
// transaction.
var tableCompat = [4][4]bool{
	ModeIS: {ModeIS: true, ModeIX: true, ModeS: true, ModeX: false},
	ModeIX: {ModeIS: true, ModeIX: true, ModeS: false, ModeX: false},
	ModeS:  {ModeIS: true, ModeIX: false, ModeS: true, ModeX: false},
	ModeX:  {ModeIS: false, ModeIX: false, ModeS: false, ModeX: false},
}

func tableCompatible(held, requested Mode) bool { return tableCompat[held][requested] }

// RecordKind distinguishes the four record-lock variants (spec §6
// "record lock variants"): an ordinary next-key lock covers the record
// and the gap before it; REC_NOT_GAP covers only the record; GAP covers
// only the gap; INSERT_INTENTION is the special mode an inserter takes
// on a gap so that multiple inserters into disjoint points of the same
// gap don't block each other.
type RecordKind uint8

const (
	NextKey RecordKind = iota
	RecNotGap
	Gap
	InsertIntention
)

func (k RecordKind) String() string {
	switch k {
	case NextKey:
		return "NEXT_KEY"
	case RecNotGap:
		return "REC_NOT_GAP"
	case Gap:
		return "GAP"
	case InsertIntention:
		return "INSERT_INTENTION"
	default:
		return "?"
	}
}

// recordCompatible decides whether a (heldMode, heldKind) lock already
// granted to a different transaction blocks a (reqMode, reqKind)
// request on the same record/gap.
func recordCompatible(heldMode Mode, heldKind RecordKind, reqMode Mode, reqKind RecordKind) bool {
	if reqKind == InsertIntention {
		// Insert intention only conflicts with a GAP/NEXT_KEY lock
		// already blocking that gap; two insert-intention locks never
		// conflict with each other, since they target disjoint insert
		// points within the same gap.
		return heldKind != Gap && heldKind != NextKey
	}
	if heldKind == InsertIntention {
		return true
	}
	if heldKind == Gap && reqKind == Gap {
		// Multiple gap locks on the same gap always coexist.
		return true
	}
	return tableCompatibleSX(heldMode, reqMode)
}

func tableCompatibleSX(held, requested Mode) bool {
	return held != ModeX && requested != ModeX
}

// Resource identifies what a lock is taken on.
type Resource struct {
	TableID uint64 // table locks

	SpaceID uint32 // record locks
	PageNo  uint32
	HeapNo  uint16
}
