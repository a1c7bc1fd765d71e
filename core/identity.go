package core

type (
	// Identity is the verified principal behind a mutation, as resolved from
	// the token an individual message carries. Subject is the stable id used
	// for permission checks and attribution.
	Identity struct {
		Subject   string `json:"subject"`
		Name      string `json:"name,omitempty"`
		Email     string `json:"email,omitempty"`
		AvatarURL string `json:"avatarUrl,omitempty"`
	}
)
