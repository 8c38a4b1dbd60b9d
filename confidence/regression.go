package confidence

// Summary is the comparable slice of a score used in regression records.
type Summary struct {
	Score  int    `json:"score"`
	Band   Band   `json:"band"`
	Action Action `json:"action"`
}

func (s Score) Summary() Summary {
	return Summary{Score: s.Score, Band: s.Band, Action: s.Action}
}

// Regression is the outcome of comparing a fresh score to a stored
// baseline.
type Regression struct {
	Regressed   bool    `json:"regressed"`
	RequiresAck bool    `json:"requires_ack"`
	From        Summary `json:"from"`
	To          Summary `json:"to"`
	Tolerance   int     `json:"tolerance"`
}

// Compare flags a regression when the numeric score drops by more than
// tolerance points, or when the band or action ordering decreases even
// inside tolerance. An action downgrade is the hard threshold: it sets
// RequiresAck, separating trust-breaking events from soft drift.
func Compare(previous, current Summary, tolerance int) Regression {
	if tolerance < 0 {
		tolerance = 0
	}
	r := Regression{
		From:      previous,
		To:        current,
		Tolerance: tolerance,
	}

	drop := previous.Score - current.Score
	bandDown := current.Band.Rank() < previous.Band.Rank()
	actionDown := current.Action.Rank() < previous.Action.Rank()

	r.Regressed = drop > tolerance || bandDown || actionDown
	r.RequiresAck = actionDown
	return r
}
