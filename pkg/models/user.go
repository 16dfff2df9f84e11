package models

// User is a registered account. PasswordHash never leaves the process;
// handlers serialize UserPublic instead.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	IsAdmin      bool   `json:"is_admin"`
}

// UserPublic is the client-facing view of a User.
type UserPublic struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// Public strips the password hash.
func (u *User) Public() *UserPublic {
	return &UserPublic{
		ID:       u.ID,
		Email:    u.Email,
		Username: u.Username,
		IsAdmin:  u.IsAdmin,
	}
}
