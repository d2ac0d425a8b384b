package ingest

// Outcome is the terminal classification of one pipeline pass over a file.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeQualityReject
	OutcomeDuplicate
	OutcomeRecursion
	OutcomeExtractionFail
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeQualityReject:
		return "quality_reject"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRecursion:
		return "recursion"
	case OutcomeExtractionFail:
		return "extraction_fail"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Result records what happened to one file.
type Result struct {
	Path    string
	Outcome Outcome
	KBID    string
	Err     error
}
