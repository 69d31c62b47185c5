package orders

import (
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
)

// Actor is the caller behind an order operation. A zero Actor is a guest.
type Actor struct {
	UserID   string
	Username string
	Email    string
	Role     enums.UserRole
}

func (a Actor) IsGuest() bool { return a.UserID == "" }

func (a Actor) IsAdmin() bool { return a.Role == enums.UserRoleAdmin }

// Ref converts the actor into the outbox representation; guests yield nil.
func (a Actor) Ref() *outbox.ActorRef {
	if a.UserID == "" && a.Email == "" {
		return nil
	}
	return &outbox.ActorRef{UserID: a.UserID, Email: a.Email, Role: string(a.Role)}
}
