package model

import "context"

// Identity lookups used by assignee rules and recipient expansion.
// Implementations may call an external directory, so every method takes a
// context and callers treat errors as transient.
type IdentityResolver interface {
	// UsersInRole returns the ids holding role, in a stable order.
	UsersInRole(ctx context.Context, role string) ([]string, error)
	// UsersInDept returns the ids belonging to dept, in a stable order.
	UsersInDept(ctx context.Context, dept string) ([]string, error)
	// ManagerOf returns the manager of userID, or "" when none is recorded.
	ManagerOf(ctx context.Context, userID string) (string, error)
	// Address returns where userID receives messages on ch, or "" when the
	// user has no address for that channel.
	Address(ctx context.Context, userID string, ch Channel) (string, error)
}
