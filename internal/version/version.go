package version

// Set at link time with -ldflags "-X vistara-arbiter/internal/version.Version=...".
var (
	PackageName = "arbiterd"
	Version     = "undefined"
	CommitHash  = "undefined"
	BuildDate   = "undefined"
)
