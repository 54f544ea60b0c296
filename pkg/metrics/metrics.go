package metrics

/*
Labels and so on for metrics used in the janitor publisher.
*/

const (
	LabelBucket   = "bucket"
	LabelCampaign = "campaign"
	LabelMethod   = "method"
	LabelMode     = "mode"
	LabelRoute    = "route"
	LabelSuccess  = "success"

	// Labels for publish outcome metrics
	LabelResultCode = "result_code"
	LabelStatus     = "status"
)
