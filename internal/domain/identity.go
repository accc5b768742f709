// Package domain contains the pairing entities, just meta-data without logic.
package domain

// Identity is the ephemeral per-connection participant handle announced by
// the pairing service. It is not an account; it dies with the connection.
type Identity string

// Profile carries the optional matching preferences attached to an Identity.
type Profile struct {
	UserID            string   `json:"user_id"`
	Interests         []string `json:"interests"`
	Language          string   `json:"language"`
	Country           string   `json:"country,omitempty"`
	AgeGroup          string   `json:"age_group,omitempty"`
	Gender            string   `json:"gender,omitempty"`
	TotalSessions     int      `json:"total_sessions"`
	ConnectionQuality string   `json:"connection_quality"`
}

// NewProfile returns a profile with the defaults the pairing service assumes
// for a freshly connected visitor.
func NewProfile(id Identity) *Profile {
	return &Profile{
		UserID:            string(id),
		Interests:         []string{},
		Language:          "en",
		ConnectionQuality: "unknown",
	}
}
