package runtime

// Labels stamped onto every managed container so ownership survives a
// daemon restart.
const (
	LabelManaged  = "spielwart.managed"
	LabelServerID = "spielwart.server_id"
	LabelInstall  = "spielwart.install"
)
