// Package middleware holds the stages of the transaction pipeline. Each
// stage embeds pipeline.Base and overrides only the operations it cares
// about; everything else is forwarded to its delegate.
package middleware

import "github.com/corelay/corelay/pkg/pipeline"

// DefaultConstructors is the production chain, listed leaves first: the
// terminal domain router is built before the stages that wrap it, and the
// session tracker ends up as the head.
func DefaultConstructors() []pipeline.Constructor {
	return []pipeline.Constructor{
		NewDomains,
		NewModel,
		NewPersistence,
		NewConfiguration,
		NewSpacePermissions(),
		NewSpaceSecurity,
		NewPrivacy,
		NewTelemetry,
		NewModified,
		NewFulltext,
		NewLookup,
		NewQueryJoin,
		NewTriggers(),
		NewApplyIf,
		NewBroadcast(),
		NewSessionTracker,
	}
}
