// Package model defines the core domain types shared across the team trade
// engine. All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Identity is the authenticated caller, resolved once per request by the
// auth layer and passed explicitly into every core operation.
type Identity struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Admin    bool   `json:"admin,omitempty"`
}

// RoomStatus is the lifecycle state of a matching room.
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomFull    RoomStatus = "full"
	RoomStarted RoomStatus = "started"
)

// MemberRef is one member of a room or team. Unique by UserID.
type MemberRef struct {
	UserID   string    `json:"user_id"`
	Nickname string    `json:"nickname"`
	JoinedAt time.Time `json:"joined_at"`
}

// Room is a matching room: a lobby that fills up and then starts a team.
// Members are kept in join order.
type Room struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Capacity  int         `json:"capacity"`
	Members   []MemberRef `json:"members"`
	Status    RoomStatus  `json:"status"`
	CreatedBy string      `json:"created_by"`
	TeamID    string      `json:"team_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// HasMember reports whether userID already joined the room.
func (r *Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the room.
func (r *Room) Clone() *Room {
	c := *r
	c.Members = append([]MemberRef(nil), r.Members...)
	return &c
}

// Team is the immutable group derived 1:1 from a started room.
type Team struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	Name      string      `json:"name"`
	Members   []MemberRef `json:"members"`
	CreatedAt time.Time   `json:"created_at"`
}

// HasMember reports whether userID belongs to the team.
func (t *Team) HasMember(userID string) bool {
	for _, m := range t.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Size is the number of members; the consensus threshold is derived from it.
func (t *Team) Size() int { return len(t.Members) }

// Membership is the authoritative user → room/team mapping. At most one of
// RoomID (a room that has not started) and TeamID is meaningful at a time.
type Membership struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id,omitempty"`
	TeamID string `json:"team_id,omitempty"`
}

// Holding is a team's position in one instrument.
type Holding struct {
	Code         string          `json:"code"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// Ledger is a team's authoritative cash and holdings state. Cash is what
// remains after paying for every holding, so it equals totalValue minus the
// marked value of the holdings.
type Ledger struct {
	TeamID           string              `json:"team_id"`
	Cash             decimal.Decimal     `json:"cash"`
	InvestmentAmount decimal.Decimal     `json:"investment_amount"`
	Holdings         map[string]*Holding `json:"holdings"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	c := *l
	c.Holdings = make(map[string]*Holding, len(l.Holdings))
	for code, h := range l.Holdings {
		hc := *h
		c.Holdings[code] = &hc
	}
	return &c
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Strategy is how an approved proposal is turned into a fill.
type Strategy string

const (
	StrategyMarket      Strategy = "MARKET"
	StrategyLimit       Strategy = "LIMIT"
	StrategyConditional Strategy = "CONDITIONAL"
)

// Direction is the crossing direction watched by a CONDITIONAL order.
type Direction string

const (
	DirectionAbove Direction = "ABOVE"
	DirectionBelow Direction = "BELOW"
)

// Choice is a single member's vote.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
	ChoiceAbstain Choice = "abstain"
)

// Valid reports whether c is a known choice.
func (c Choice) Valid() bool {
	return c == ChoiceApprove || c == ChoiceReject || c == ChoiceAbstain
}

// Vote is one voter's current choice on a proposal.
type Vote struct {
	VoterID string    `json:"voter_id"`
	Choice  Choice    `json:"choice"`
	CastAt  time.Time `json:"cast_at"`
}

// Proposal is a member's suggested trade, subject to team approval.
type Proposal struct {
	ID               string          `json:"id"`
	TeamID           string          `json:"team_id"`
	ProposerID       string          `json:"proposer_id"`
	ProposerName     string          `json:"proposer_name"`
	Side             Side            `json:"side"`
	InstrumentCode   string          `json:"instrument_code"`
	InstrumentName   string          `json:"instrument_name"`
	Quantity         int64           `json:"quantity"`
	Strategy         Strategy        `json:"strategy"`
	LimitPrice       decimal.Decimal `json:"limit_price"`
	TriggerPrice     decimal.Decimal `json:"trigger_price"`
	TriggerDirection Direction       `json:"trigger_direction,omitempty"`
	Reason           string          `json:"reason"`
	ClientToken      string          `json:"client_token,omitempty"`
	Votes            []Vote          `json:"votes"`
	Status           Status          `json:"status"`
	ExecutionPrice   decimal.Decimal `json:"execution_price"`
	ExecutedAt       *time.Time      `json:"executed_at,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Votes = append([]Vote(nil), p.Votes...)
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}

// DisplayName is the instrument name if known, otherwise its code.
func (p *Proposal) DisplayName() string {
	if p.InstrumentName != "" {
		return p.InstrumentName
	}
	return p.InstrumentCode
}

// RecordVote stores voterID's choice, replacing any earlier vote by the same
// voter in place so there is never more than one record per voter.
func (p *Proposal) RecordVote(voterID string, choice Choice, at time.Time) {
	for i := range p.Votes {
		if p.Votes[i].VoterID == voterID {
			p.Votes[i].Choice = choice
			p.Votes[i].CastAt = at
			return
		}
	}
	p.Votes = append(p.Votes, Vote{VoterID: voterID, Choice: choice, CastAt: at})
}

// Tally counts the current votes by choice.
func (p *Proposal) Tally() (approve, reject, abstain int) {
	for _, v := range p.Votes {
		switch v.Choice {
		case ChoiceApprove:
			approve++
		case ChoiceReject:
			reject++
		case ChoiceAbstain:
			abstain++
		}
	}
	return approve, reject, abstain
}

// Tick is a normalized real-time quote for one instrument.
type Tick struct {
	Code       string          `json:"code"`
	Price      decimal.Decimal `json:"price"`
	Change     decimal.Decimal `json:"change"`
	ChangeRate decimal.Decimal `json:"change_rate"`
	Timestamp  time.Time       `json:"timestamp"`
}
