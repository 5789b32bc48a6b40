package state

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermCanRead   Permission = 1 << iota
	PermCanWrite             // 2
	PermCanManage            // 4
)

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// Role is the trust level a connection holds within a session.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleEditor   Role = "editor"
	RoleReadOnly Role = "readOnlyViewer"
)

// Permissions expands a role into its capability bitmap.
func (r Role) Permissions() Permission {
	switch r {
	case RoleOwner:
		return PermCanRead | PermCanWrite | PermCanManage
	case RoleEditor:
		return PermCanRead | PermCanWrite
	case RoleReadOnly:
		return PermCanRead
	default:
		return 0
	}
}

func (r Role) CanEdit() bool {
	return r.Permissions().Has(PermCanWrite)
}

func (r Role) Valid() bool {
	return r.Permissions() != 0
}

// PermissionMode is the session-wide sharing posture derived from the
// document's live share settings.
type PermissionMode string

const (
	ModePrivate        PermissionMode = "private"
	ModeReadOnly       PermissionMode = "readOnly"
	ModeEditable       PermissionMode = "editable"
	ModePublicReadOnly PermissionMode = "public-readOnly"
	ModePublicEditable PermissionMode = "public-editable"
)
