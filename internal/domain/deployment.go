package domain

import "time"

// Deployment is a materialized bundle for one (applet, version) pair.
type Deployment struct {
	AppletID    string
	Version     string
	VersionHash string
	Digest      string
	Payload     []byte
	ModuleCount int
	CreatedAt   time.Time
	// PromotedAt is the last time this version became the applet's current
	// one, either by being built or by a rebuild of identical source.
	PromotedAt time.Time
}

// DeploymentRef addresses a deployment without carrying its payload.
type DeploymentRef struct {
	AppletID string
	Slug     string
	Version  string
}

// ID returns the "{appletId}@{version}" deployment identifier.
func (r DeploymentRef) ID() string {
	return r.AppletID + "@" + r.Version
}
