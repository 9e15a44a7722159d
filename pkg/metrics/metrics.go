package metrics

/*
Labels and so on for metrics used in shipyard.
*/

const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	// Labels for deployment metrics
	LabelTarget     = "target"
	LabelTargetKind = "target_kind"
	LabelStage      = "stage"
	LabelStatus     = "status"

	// Labels for store metrics
	LabelBackend = "backend"
)
