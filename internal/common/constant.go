package common

// AuthorizationHeaderName carries the bearer access token on API requests.
const AuthorizationHeaderName = "Authorization"

// UserIDContextKey is the gin context key holding the authenticated user id.
const UserIDContextKey = "userID"
