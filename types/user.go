package types

// User represents an identity record in the system. An account is either
// password-based (username set) or federated (openid/app_id set), never both.
type User struct {
	// ID is the unique identifier of the user, assigned by the store.
	ID int64 `json:"uid" db:"id"`

	// Username is the unique login name, stored lowercase.
	// Empty for federated accounts.
	Username string `json:"username,omitempty" db:"username"`

	// Email is the user's email address, stored lowercase. It is used only
	// as a secondary verification factor when changing the password.
	Email string `json:"email,omitempty" db:"email"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// OpenID is the per-provider, per-application user identifier returned
	// by the WeChat code exchange. Empty for password-based accounts.
	OpenID string `json:"openid,omitempty" db:"openid"`

	// AppID identifies the registered application the OpenID belongs to.
	// Together with OpenID it forms the federated account key.
	AppID string `json:"appId,omitempty" db:"app_id"`

	// Role is the user's privilege level: 0 normal user, 1 administrator.
	Role int `json:"role" db:"role"`

	// CreatedAt is the account creation time in epoch seconds.
	CreatedAt int64 `json:"createdAt" db:"created_at"`

	// WeChat profile attributes, merged in by profile updates.
	Nickname  string `json:"nickName,omitempty" db:"nickname"`
	AvatarURL string `json:"avatarUrl,omitempty" db:"avatar_url"`
	Gender    int    `json:"gender,omitempty" db:"gender"`
	City      string `json:"city,omitempty" db:"city"`
	Province  string `json:"province,omitempty" db:"province"`
	Country   string `json:"country,omitempty" db:"country"`
	Language  string `json:"language,omitempty" db:"language"`

	// UpdatedAt and UpdatedBy record the last profile update in epoch
	// seconds and the id of the caller that performed it.
	UpdatedAt int64 `json:"updatedAt,omitempty" db:"updated_at"`
	UpdatedBy int64 `json:"updatedBy,omitempty" db:"updated_by"`
}

// ProfilePatch is a partial update of the WeChat profile attributes.
// Only the fields listed here are caller-mutable; the audit fields are
// stamped by the service and cannot be supplied through a patch.
type ProfilePatch struct {
	Nickname  *string `json:"nickName,omitempty"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
	Gender    *int    `json:"gender,omitempty"`
	City      *string `json:"city,omitempty"`
	Province  *string `json:"province,omitempty"`
	Country   *string `json:"country,omitempty"`
	Language  *string `json:"language,omitempty"`
}

// Empty reports whether the patch carries no fields at all.
func (p ProfilePatch) Empty() bool {
	return p.Nickname == nil && p.AvatarURL == nil && p.Gender == nil &&
		p.City == nil && p.Province == nil && p.Country == nil && p.Language == nil
}
