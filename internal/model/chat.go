package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MessageKind distinguishes the chat message payloads.
type MessageKind string

const (
	MessageText      MessageKind = "text"
	MessageProposal  MessageKind = "proposal"
	MessageExecution MessageKind = "execution"
)

// ExecutionNotice is the payload of an execution message. Failed fills are
// reported through the same notice with Success=false and a Reason.
type ExecutionNotice struct {
	ProposalID     string          `json:"proposal_id"`
	Action         Side            `json:"action"`
	StockName      string          `json:"stock_name"`
	Code           string          `json:"code"`
	Quantity       int64           `json:"quantity"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	Success        bool            `json:"success"`
	Reason         string          `json:"reason,omitempty"`
}

// Message is one entry of a team's durable chat log. Seq is assigned by the
// store and is strictly increasing per team.
type Message struct {
	ID          string           `json:"id"`
	TeamID      string           `json:"team_id"`
	Seq         int64            `json:"seq"`
	Kind        MessageKind      `json:"kind"`
	SenderID    string           `json:"sender_id,omitempty"`
	SenderName  string           `json:"sender_name,omitempty"`
	Text        string           `json:"text,omitempty"`
	ProposalID  string           `json:"proposal_id,omitempty"`
	Execution   *ExecutionNotice `json:"execution,omitempty"`
	ClientToken string           `json:"client_token,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// EventType names a push event on a team channel.
type EventType string

const (
	EventProposalCreated EventType = "proposal_created"
	EventVoteUpdated     EventType = "vote_updated"
	EventProposalStatus  EventType = "proposal_status"
	EventMessage         EventType = "message"
)

// Event is a transient push notification for connected team members.
// Messages are also durable; proposal events are reconciled by re-fetching.
type Event struct {
	Type     EventType `json:"type"`
	TeamID   string    `json:"team_id"`
	Proposal *Proposal `json:"proposal,omitempty"`
	Message  *Message  `json:"message,omitempty"`
}
