package model

import "errors"

// Kind groups domain errors by how a caller should react to them.
type Kind int

const (
	// KindValidation: malformed input, never retried.
	KindValidation Kind = iota + 1
	// KindNotFound: the addressed entity does not exist.
	KindNotFound
	// KindForbidden: the caller may not perform the action.
	KindForbidden
	// KindConflict: the current state forbids the action; re-fetch before retrying.
	KindConflict
	// KindInsufficient: a legitimate race lost at fill time.
	KindInsufficient
)

// Error is a domain error with a stable machine code and a human-readable
// message. The sentinels below are compared with errors.Is.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrQuantityInvalid       = newError(KindValidation, "quantity_invalid", "quantity must be a positive integer")
	ErrInvalidStrategyParams = newError(KindValidation, "invalid_strategy_params", "order strategy parameters are missing or invalid")
	ErrInvalidInstrument     = newError(KindValidation, "invalid_instrument", "instrument code is invalid")
	ErrInvalidSide           = newError(KindValidation, "invalid_side", "side must be buy or sell")
	ErrInvalidChoice         = newError(KindValidation, "invalid_choice", "vote must be approve, reject or abstain")
	ErrInvalidCapacity       = newError(KindValidation, "invalid_capacity", "room capacity is out of range")

	ErrRoomNotFound     = newError(KindNotFound, "room_not_found", "room not found")
	ErrTeamNotFound     = newError(KindNotFound, "team_not_found", "team not found")
	ErrProposalNotFound = newError(KindNotFound, "proposal_not_found", "proposal not found")

	ErrNotAMember     = newError(KindForbidden, "not_a_member", "user is not a member of this room")
	ErrNotTeamMember  = newError(KindForbidden, "not_team_member", "user is not a member of this team")
	ErrVoterNotOnTeam = newError(KindForbidden, "voter_not_on_team", "voter is not a member of the proposal's team")
	ErrNotAuthorized  = newError(KindForbidden, "not_authorized", "not authorized to perform this action")

	ErrAlreadyInRoom           = newError(KindConflict, "already_in_room", "user is already in another room")
	ErrAlreadyOnTeam           = newError(KindConflict, "already_on_team", "user already belongs to a team")
	ErrAlreadyJoined           = newError(KindConflict, "already_joined", "user already joined this room")
	ErrRoomFull                = newError(KindConflict, "room_full", "room is full")
	ErrRoomStarted             = newError(KindConflict, "room_started", "room has already started")
	ErrAlreadyStarted          = newError(KindConflict, "already_started", "room has already started a team")
	ErrNotEnoughMembers        = newError(KindConflict, "not_enough_members", "not enough members to start")
	ErrDuplicateActiveProposal = newError(KindConflict, "duplicate_active_proposal", "an active proposal for this instrument and side already exists")
	ErrProposalNotOngoing      = newError(KindConflict, "proposal_not_ongoing", "proposal is no longer accepting votes")
	ErrNotPending              = newError(KindConflict, "not_pending", "only pending proposals can be cancelled")
	ErrDuplicateMessage        = newError(KindConflict, "duplicate_message", "message with this client token already exists")

	ErrInsufficientCash     = newError(KindInsufficient, "insufficient_cash", "insufficient cash for this order")
	ErrInsufficientHoldings = newError(KindInsufficient, "insufficient_holdings", "insufficient holdings for this order")
	ErrNoReferencePrice     = newError(KindInsufficient, "no_reference_price", "no reference price available for instrument")
)

// ErrIllegalTransition marks a status change outside the transition table.
var ErrIllegalTransition = errors.New("model: illegal proposal status transition")

// KindOf returns the Kind of err, or 0 if err is not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	return 0
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
