package cache

import "fmt"

// UserKey is the identity cache key for the user with the given email.
// Emails are matched exactly, so the key is not case-folded.
func UserKey(email string) string {
	return fmt.Sprintf("user:email:%s", email)
}
