package http

// Route names shared by the daemon's router and the client, so URLs
// are only ever constructed in one place.
const (
	Ping          = "Ping"
	Version       = "Version"
	ListTargets   = "ListTargets"
	Deploy        = "Deploy"
	JobStatus     = "JobStatus"
	History       = "History"
	LatestRelease = "LatestRelease"
)
