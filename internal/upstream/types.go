package upstream

import "time"

// RecordKind identifies which collection of the external system a page
// belongs to.
type RecordKind string

const (
	// KindProfile is the service-profile collection
	KindProfile RecordKind = "profiles"

	// KindUser is the subscriber collection
	KindUser RecordKind = "users"
)

// ProfileRecord is one service profile as returned by the external
// subscriber-management system. ExternalID is the stable identifier
// reconciliation matches on.
type ProfileRecord struct {
	ExternalID   string `json:"id"`
	Name         string `json:"name"`
	DownloadKbps int    `json:"downloadKbps"`
	UploadKbps   int    `json:"uploadKbps"`
	MonthlyPrice string `json:"monthlyPrice,omitempty"`
}

// UserRecord is one subscriber as returned by the external system.
// ProfileExternalID references a ProfileRecord by its external id, which
// is why the profile phase must complete before the user phase starts.
type UserRecord struct {
	ExternalID        string     `json:"id"`
	Username          string     `json:"username"`
	ProfileExternalID string     `json:"profileId"`
	FirstName         string     `json:"firstname,omitempty"`
	LastName          string     `json:"lastname,omitempty"`
	Enabled           bool       `json:"enabled"`
	Expiration        *time.Time `json:"expiration,omitempty"`
}

// Page is one page of records fetched from the external system.
// TotalRecords is the size of the whole collection and is stable across
// pages of the same run. Exactly one of Profiles/Users is populated,
// matching the requested RecordKind.
type Page struct {
	TotalRecords int
	LastPage     bool
	Profiles     []ProfileRecord
	Users        []UserRecord
}

// Len returns the number of records in the page.
func (p *Page) Len() int {
	if len(p.Profiles) > 0 {
		return len(p.Profiles)
	}
	return len(p.Users)
}
