package auth

// Actor is the authentication context handed to every registry call. It is
// produced by the HTTP layer (or the CLI) and never consulted for credentials
// again; the registry only looks at Authenticated.
type Actor struct {
	User          string
	Addr          string
	Authenticated bool
}

// Device is the context for an unauthenticated phone-home request.
func Device(addr string) Actor { return Actor{Addr: addr} }

// Operator is an authenticated operator at addr.
func Operator(user, addr string) Actor {
	return Actor{User: user, Addr: addr, Authenticated: true}
}

// System is used by maintenance jobs and the local CLI.
func System(name string) Actor {
	return Actor{User: name, Addr: "local", Authenticated: true}
}

// Address is what ends up in the event log.
func (a Actor) Address() string {
	if a.Addr == "" {
		return "N/A"
	}
	return a.Addr
}
