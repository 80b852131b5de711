package stock

// =============================================================================
// DATE RANGE - Inclusive on both ends
// =============================================================================

// DateRange is [Start, End]. A zero Start leaves the range open towards the
// past; this is how replay windows with no base snapshot are expressed.
type DateRange struct {
	Start Date
	End   Date
}

// NewDateRange parses and validates a closed range.
func NewDateRange(start, end string) (DateRange, error) {
	s, err := ParseDate(start)
	if err != nil {
		return DateRange{}, &InputError{Field: "start_date", Reason: reasonOf(err)}
	}
	e, err := ParseDate(end)
	if err != nil {
		return DateRange{}, &InputError{Field: "end_date", Reason: reasonOf(err)}
	}
	r := DateRange{Start: s, End: e}
	return r, r.Validate()
}

// Through is the open range of everything up to and including end.
func Through(end Date) DateRange { return DateRange{End: end} }

// ReplayWindow is the half-open window (base, end]. A zero base yields Through(end).
func ReplayWindow(base, end Date) DateRange {
	if base.IsZero() {
		return Through(end)
	}
	return DateRange{Start: base.AddDays(1), End: end}
}

// Validate checks a closed range supplied by a caller.
func (r DateRange) Validate() error {
	if r.Start.IsZero() {
		return &InputError{Field: "start_date", Reason: "missing"}
	}
	if r.End.IsZero() {
		return &InputError{Field: "end_date", Reason: "missing"}
	}
	if r.End.Before(r.Start) {
		return ErrInvalidRange
	}
	return nil
}

// Empty reports whether no date can fall inside the range.
func (r DateRange) Empty() bool {
	return r.End.IsZero() || (!r.Start.IsZero() && r.End.Before(r.Start))
}

// Contains returns true if d is within [Start, End].
func (r DateRange) Contains(d Date) bool {
	if d.IsZero() || r.Empty() {
		return false
	}
	return (r.Start.IsZero() || d.AfterOrEqual(r.Start)) && d.BeforeOrEqual(r.End)
}

// Covers reports whether o lies entirely inside r.
func (r DateRange) Covers(o DateRange) bool {
	if r.Start.IsZero() && r.End.IsZero() {
		return true
	}
	return (r.Start.IsZero() || (!o.Start.IsZero() && o.Start.AfterOrEqual(r.Start))) &&
		(r.End.IsZero() || (!o.End.IsZero() && o.End.BeforeOrEqual(r.End)))
}

// Overlaps reports whether r and o share at least one day.
func (r DateRange) Overlaps(o DateRange) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	if !o.Start.IsZero() && r.End.Before(o.Start) {
		return false
	}
	return r.Start.IsZero() || !o.End.Before(r.Start)
}

func (r DateRange) String() string {
	start := r.Start.String()
	if start == "" {
		start = "..."
	}
	return "[" + start + ", " + r.End.String() + "]"
}

func reasonOf(err error) string {
	if ie, ok := err.(*InputError); ok {
		return ie.Reason
	}
	return err.Error()
}
