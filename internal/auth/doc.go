// Package auth provides JWT issuing/verification and password hashing.
//
// Tokens are HS256 signed with the configured secret and carry the user id
// ("sub") and username claims. Passwords are hashed with bcrypt at a
// configurable cost.
package auth
