package quota

import "time"

// Epoch computes quota reset boundaries. YouTube Data API quotas reset at
// midnight Pacific time.
type Epoch struct {
	loc *time.Location
}

func PacificEpoch() Epoch {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		loc = time.FixedZone("PST", -8*60*60)
	}
	return Epoch{loc: loc}
}

func NewEpoch(loc *time.Location) Epoch {
	if loc == nil {
		loc = time.UTC
	}
	return Epoch{loc: loc}
}

// Next returns the first boundary strictly after now.
func (e Epoch) Next(now time.Time) time.Time {
	loc := e.loc
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}
