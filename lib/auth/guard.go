package auth

// Guard combines logon and authorization checks. A nil Users accepts every logon
// and a nil Policy authorizes every call.
type Guard struct {
	Users  *Users
	Policy *Policy
}

// NewGuard loads the users and policy files. Empty paths disable the respective check.
func NewGuard(usersPath, policyPath string, watch bool) (*Guard, error) {
	g := &Guard{}
	if usersPath != "" {
		users, err := LoadUsers(usersPath)
		if err != nil {
			return nil, err
		}
		g.Users = users
	}
	if policyPath != "" {
		policy, err := LoadPolicy(policyPath, watch)
		if err != nil {
			return nil, err
		}
		g.Policy = policy
	}
	return g, nil
}

// Logon checks the user's password.
func (g *Guard) Logon(user, password string) error {
	if g == nil || g.Users == nil {
		return nil
	}
	return g.Users.Authenticate(user, password)
}

// Authorize checks whether user may call function on client.
func (g *Guard) Authorize(user string, client uint64, function string) error {
	if g == nil || g.Policy == nil {
		return nil
	}
	return g.Policy.Authorize(user, client, function)
}

// Close stops the policy watcher.
func (g *Guard) Close() error {
	if g == nil || g.Policy == nil {
		return nil
	}
	return g.Policy.Close()
}
