package cnst

// ClientAction represents an action requested by a connected client
type ClientAction string

const (
	// ClientActionJoin requests entry into a collaboration room
	ClientActionJoin ClientAction = "join"
	// ClientActionLeave requests leaving one or all rooms
	ClientActionLeave ClientAction = "leave"
	// ClientActionFocus requests an exclusive claim on a field
	ClientActionFocus ClientAction = "focus"
	// ClientActionUpdate submits a single field change (or unset)
	ClientActionUpdate ClientAction = "update"
	// ClientActionUpdateAll submits a batch of field changes
	ClientActionUpdateAll ClientAction = "updateAll"
	// ClientActionDiscard drops pending changes for a set of fields
	ClientActionDiscard ClientAction = "discard"
)

// ServerAction represents a broadcast emitted by the engine
type ServerAction string

const (
	// ServerActionInit carries the full room snapshot to a joining client
	ServerActionInit ServerAction = "init"
	// ServerActionJoin announces a new participant
	ServerActionJoin ServerAction = "join"
	// ServerActionLeave announces a departing participant
	ServerActionLeave ServerAction = "leave"
	// ServerActionFocus announces a focus holder change
	ServerActionFocus ServerAction = "focus"
	// ServerActionUpdate carries a pending field value
	ServerActionUpdate ServerAction = "update"
	// ServerActionDiscard announces cleared fields
	ServerActionDiscard ServerAction = "discard"
	// ServerActionSave announces that the underlying record was saved
	ServerActionSave ServerAction = "save"
	// ServerActionDelete announces that the underlying record was deleted
	ServerActionDelete ServerAction = "delete"
	// ServerActionError carries a structured error to one client
	ServerActionError ServerAction = "error"
)

// EventAction represents the type of a domain-change event
type EventAction string

const (
	// EventActionCreate represents a record creation
	EventActionCreate EventAction = "create"
	// EventActionUpdate represents a record update
	EventActionUpdate EventAction = "update"
	// EventActionDelete represents a record deletion
	EventActionDelete EventAction = "delete"
)

// PermissionAction represents the operation a permission check is scoped to
type PermissionAction string

const (
	PermissionActionRead   PermissionAction = "read"
	PermissionActionUpdate PermissionAction = "update"
)

// System collections owned by the surrounding platform. Mutations on the
// permission-bearing ones flush the whole permission cache.
const (
	CollectionSettings    = "system_settings"
	CollectionVersions    = "system_versions"
	CollectionPermissions = "system_permissions"
	CollectionPolicies    = "system_policies"
	CollectionUsers       = "system_users"
)

// SettingCollabEnabled is the settings key backing the feature switch
const SettingCollabEnabled = "collaborative_editing_enabled"

// IrrelevantCollections never host collaboration rooms and are skipped on the
// event stream before any room matching happens.
var IrrelevantCollections = []string{
	"system_activity",
	"system_revisions",
	"system_notifications",
	"system_sessions",
}

// Colors is the roster palette. A join may request a color; it is honored only
// while unused, otherwise a free color is assigned.
var Colors = []string{
	"purple",
	"blue",
	"teal",
	"green",
	"yellow",
	"orange",
	"red",
	"pink",
	"indigo",
	"brown",
}
