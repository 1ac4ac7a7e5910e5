package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a password using bcrypt. The optional cost overrides
// bcrypt.DefaultCost, mainly so tests can use bcrypt.MinCost.
func HashPassword(password string, cost ...int) (string, error) {
	bcryptCost := bcrypt.DefaultCost
	if len(cost) > 0 {
		bcryptCost = cost[0]
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	return string(bytes), err
}

// CheckPassword compares a password with its hash
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
