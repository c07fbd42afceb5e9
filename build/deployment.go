package build

// DeploymentType is an enum specifying the deployment to compile.
type DeploymentType byte

const (
	// Development is a deployment where unit tests may log to stdout
	// through the stdlog build tag.
	Development DeploymentType = iota

	// Production is a deployment that always logs through the handler
	// given by the caller.
	Production
)

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
