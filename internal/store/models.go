package store

import (
	"time"

	"pagewise/api/internal/rbac"
)

type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type GeneralAccess string

const (
	AccessPrivate GeneralAccess = "PRIVATE"
	AccessPublic  GeneralAccess = "PUBLIC"
)

func (g GeneralAccess) Valid() bool {
	return g == AccessPrivate || g == AccessPublic
}

type PropertyType string

const (
	PropertyText     PropertyType = "text"
	PropertyNumber   PropertyType = "number"
	PropertySelect   PropertyType = "select"
	PropertyDate     PropertyType = "date"
	PropertyCheckbox PropertyType = "checkbox"
	PropertyURL      PropertyType = "url"
	PropertyRelation PropertyType = "relation"
	PropertyFormula  PropertyType = "formula"
	PropertyRollup   PropertyType = "rollup"
)

// RollupConfig names the relation to follow, the property to read on each
// related document, and the aggregation to apply.
type RollupConfig struct {
	Relation string `json:"rollupRelation"`
	Property string `json:"rollupProperty"`
	Function string `json:"rollupFunction"`
}

type PropertyDefinition struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Type    PropertyType  `json:"type"`
	Formula string        `json:"formula,omitempty"`
	Rollup  *RollupConfig `json:"rollup,omitempty"`
}

type Document struct {
	ID            string
	OwnerID       string
	Title         string
	Content       string
	GeneralAccess GeneralAccess
	PublicRole    rbac.Role
	Properties    []PropertyDefinition
	// Values maps a property definition id to its stored value.
	Values    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Property returns the definition with the given id.
func (d Document) Property(id string) (PropertyDefinition, bool) {
	for _, prop := range d.Properties {
		if prop.ID == id {
			return prop, true
		}
	}
	return PropertyDefinition{}, false
}

// DocumentPatch carries the fields of a partial document update. Nil fields are left untouched;
// Values entries are merged into the stored map.
type DocumentPatch struct {
	Title      *string
	Content    *string
	Properties *[]PropertyDefinition
	Values     map[string]any
}

type PermissionGrant struct {
	DocumentID string
	UserID     string
	Role       rbac.Role
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationRejected InvitationStatus = "REJECTED"
)

type Invitation struct {
	ID         string
	DocumentID string
	InviterID  string
	Email      string
	Role       rbac.Role
	TokenHash  string
	Status     InvitationStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
	AcceptedBy *string
	AcceptedAt *time.Time
}
