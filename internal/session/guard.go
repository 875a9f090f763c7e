package session

import "github.com/signalix/sessionkit/internal/model"

// Decision is what a protected surface should do for the current session
type Decision int

const (
	// GuardLoading means the session is not yet known; render nothing
	GuardLoading Decision = iota
	GuardAllow
	GuardRedirect
)

func (d Decision) String() string {
	switch d {
	case GuardLoading:
		return "loading"
	case GuardAllow:
		return "allow"
	case GuardRedirect:
		return "redirect"
	}
	return "unknown"
}

// Access is the audience of a surface
type Access int

const (
	// Authenticated surfaces need a session
	Authenticated Access = iota
	// Guest surfaces (sign-in, onboarding entry) are for signed-out users
	Guest
)

// Decide gates a surface. Nothing is decided before the initializer has finished,
// so a stale stored token never flashes protected content.
func Decide(s model.Session, access Access) Decision {
	if !s.IsInitialized {
		return GuardLoading
	}
	authed := s.IsAuthenticated()
	if access == Authenticated && !authed || access == Guest && authed {
		return GuardRedirect
	}
	return GuardAllow
}

// Guard decides against a live store
type Guard struct {
	store *Store
}

func NewGuard(store *Store) *Guard {
	return &Guard{store: store}
}

func (g *Guard) Decide(access Access) Decision {
	return Decide(g.store.Snapshot(), access)
}
