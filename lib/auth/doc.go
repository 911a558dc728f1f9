// Package auth guards the unit endpoint: logon checks against a users file and
// per-function authorization against a casbin policy.
//
// The users file is a CSV of user name and bcrypt hash. The policy file is a casbin
// CSV policy over (user, client, function), function patterns use casbin's keyMatch,
// so "RFC_*" grants every function with that prefix. Roles are declared with g lines:
//
//	p, operators, 100, RFC_*
//	p, operators, *, STFC_CONNECTION
//	g, alice, operators
//
// The policy file is watched and reloaded on change. An empty users path accepts every
// logon and an empty policy path authorizes every call.
package auth
