package guard

import (
	"github.com/chimerakang/rideid-go/kyc"
	"github.com/chimerakang/rideid-go/session"
)

// Managers reads State from a session manager and, optionally, a KYC machine.
type Managers struct {
	Session *session.Manager
	KYC     *kyc.Machine
}

var _ Source = Managers{}

// State implements Source. Loading follows the session manager only.
func (m Managers) State() State {
	snap := m.Session.Snapshot()
	s := State{
		IsAuthenticated: snap.IsAuthenticated(),
		CurrentUser:     snap.User,
		KYCStep:         int(kyc.StepStart),
		Loading:         snap.Loading,
	}
	if m.KYC != nil {
		s.KYCStep = int(m.KYC.Step())
	}
	return s
}
