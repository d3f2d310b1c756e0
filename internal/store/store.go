// Package store defines the persistence interface for the team trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/teamfolio/trade-engine/internal/model"
)

// ErrMessageNotFound is returned by FindMessageByToken when no message
// carries the token.
var ErrMessageNotFound = errors.New("store: message not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Getters return copies; callers
// mutate and write back with the matching Save/Update call.
type Store interface {
	// --- Rooms ---

	// CreateRoom persists a new room with its members.
	CreateRoom(ctx context.Context, room *model.Room) error

	// GetRoom retrieves a room by ID, or model.ErrRoomNotFound.
	GetRoom(ctx context.Context, id string) (*model.Room, error)

	// ListRooms returns rooms in creation order, optionally filtered by status.
	ListRooms(ctx context.Context, status model.RoomStatus) ([]model.Room, error)

	// UpdateRoom replaces the room's members, status and team reference.
	UpdateRoom(ctx context.Context, room *model.Room) error

	// DeleteRoom removes a room and its memberships.
	DeleteRoom(ctx context.Context, id string) error

	// --- Teams and memberships ---

	// CreateTeam persists the team, its opening ledger, and the team
	// memberships of all members, and marks the room started, atomically.
	CreateTeam(ctx context.Context, team *model.Team, ledger *model.Ledger, room *model.Room) error

	// GetTeam retrieves a team by ID, or model.ErrTeamNotFound.
	GetTeam(ctx context.Context, id string) (*model.Team, error)

	// GetMembership returns the user's current room/team. A user with
	// neither gets an empty Membership, not an error.
	GetMembership(ctx context.Context, userID string) (*model.Membership, error)

	// GetMembershipForUpdate is GetMembership read from the source of truth,
	// never from a cache. Checks that guard a membership change use it.
	GetMembershipForUpdate(ctx context.Context, userID string) (*model.Membership, error)

	// --- Ledgers ---

	// GetLedger retrieves a team's ledger, or model.ErrTeamNotFound. It may be
	// served from a cache.
	GetLedger(ctx context.Context, teamID string) (*model.Ledger, error)

	// GetLedgerForUpdate is GetLedger read from the source of truth, never
	// from a cache. Read-modify-write of a ledger must start from it.
	GetLedgerForUpdate(ctx context.Context, teamID string) (*model.Ledger, error)

	// SaveLedger replaces cash and holdings for a team.
	SaveLedger(ctx context.Context, ledger *model.Ledger) error

	// --- Proposals ---

	// CreateProposal persists a proposal together with the chat card that
	// announces it. It returns model.ErrDuplicateActiveProposal if an active
	// proposal exists for the same team, instrument and side. The card's
	// Seq is assigned.
	CreateProposal(ctx context.Context, p *model.Proposal, card *model.Message) error

	// GetProposal retrieves a proposal by ID, or model.ErrProposalNotFound.
	GetProposal(ctx context.Context, id string) (*model.Proposal, error)

	// FindProposalByToken returns the team's proposal created with the given
	// client token, or model.ErrProposalNotFound.
	FindProposalByToken(ctx context.Context, teamID, token string) (*model.Proposal, error)

	// UpdateProposal replaces status, votes and execution fields.
	UpdateProposal(ctx context.Context, p *model.Proposal) error

	// ListProposals returns a team's proposals, newest first. With
	// activeOnly, terminal proposals are omitted.
	ListProposals(ctx context.Context, teamID string, activeOnly bool) ([]model.Proposal, error)

	// ListProposalsByStatus returns proposals of every team in the given
	// statuses, oldest first.
	ListProposalsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Proposal, error)

	// --- Chat log ---

	// AppendMessage appends to the team's log and assigns msg.Seq. A
	// non-empty ClientToken already used in the team yields
	// model.ErrDuplicateMessage.
	AppendMessage(ctx context.Context, msg *model.Message) error

	// FindMessageByToken returns the message posted with a client token.
	FindMessageByToken(ctx context.Context, teamID, token string) (*model.Message, error)

	// ListMessages returns up to limit messages with Seq > afterSeq, oldest first.
	ListMessages(ctx context.Context, teamID string, afterSeq int64, limit int) ([]model.Message, error)
}
