// Package core defines the data model shared by every pipeline stage:
// transactions, documents, spaces, queries and the well-known identifiers
// reserved by the platform.
package core

// Ref is the identifier of a document.
type Ref string

// ClassRef identifies a class or mixin in the schema hierarchy.
type ClassRef string

// SpaceRef identifies a space, the unit of access control.
type SpaceRef string

// Identity identifies an account interacting with the workspace.
type Identity string

// Domain is a named storage partition. Every class maps to exactly one
// domain through the hierarchy; callers never choose it.
type Domain string

// Timestamp is a unix-millisecond clock reading.
type Timestamp int64

// Reserved spaces and identities.
const (
	// SpaceModel holds the transactions that define the schema itself.
	SpaceModel SpaceRef = "core:space:Model"
	// SpaceTx holds transaction records themselves.
	SpaceTx SpaceRef = "core:space:Tx"
	// SpaceConfiguration holds workspace configuration documents.
	SpaceConfiguration SpaceRef = "core:space:Configuration"
	// SpaceWorkspace is the target of workspace-level events.
	SpaceWorkspace SpaceRef = "core:space:Workspace"

	// SystemIdentity is the pipeline's own identity. It bypasses space
	// security and is exempt from modification stamping.
	SystemIdentity Identity = "core:account:System"
)

// Well-known classes and mixins.
const (
	ClassObj         ClassRef = "core:class:Obj"
	ClassDoc         ClassRef = "core:class:Doc"
	ClassClass       ClassRef = "core:class:Class"
	ClassMixin       ClassRef = "core:class:Mixin"
	ClassSpace       ClassRef = "core:class:Space"
	ClassTx          ClassRef = "core:class:Tx"
	ClassAttachedDoc ClassRef = "core:class:AttachedDoc"

	// MixinRoleAssignment is attached to typed spaces and carries, per
	// role name, the identities granted that role.
	MixinRoleAssignment ClassRef = "core:mixin:RoleAssignment"
)

// Reserved storage domains.
const (
	DomainModel         Domain = "model"
	DomainTx            Domain = "tx"
	DomainSpace         Domain = "space"
	DomainConfiguration Domain = "configuration"
	DomainNotification  Domain = "notification"
	DomainDoc           Domain = "doc"
)

// Space attribute and mixin field names recognized by the security caches.
const (
	AttrPrivate  = "private"
	AttrMembers  = "members"
	AttrArchived = "archived"
	AttrOwners   = "owners"
)

// Permission names consulted by the space permissions stage.
const (
	PermissionForbidDeleteObject = "forbid-delete-object"
	PermissionDeleteObject       = "delete-object"
	PermissionUpdateSpace        = "update-space"
)
