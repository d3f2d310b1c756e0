package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/model"
)

// Schema is the PostgreSQL DDL applied by Migrate. The partial unique index
// on proposals enforces at most one active proposal per team, instrument and
// side even if two engine instances race.
const Schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	capacity    INT NOT NULL,
	status      TEXT NOT NULL,
	created_by  TEXT NOT NULL,
	team_id     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS room_members (
	room_id   TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id   TEXT NOT NULL,
	nickname  TEXT NOT NULL,
	position  INT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS teams (
	id         TEXT PRIMARY KEY,
	room_id    TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	last_seq   BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS team_members (
	team_id   TEXT NOT NULL REFERENCES teams(id),
	user_id   TEXT NOT NULL UNIQUE,
	nickname  TEXT NOT NULL,
	position  INT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (team_id, user_id)
);

CREATE TABLE IF NOT EXISTS ledgers (
	team_id           TEXT PRIMARY KEY REFERENCES teams(id),
	cash              NUMERIC NOT NULL CHECK (cash >= 0),
	investment_amount NUMERIC NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS holdings (
	team_id       TEXT NOT NULL REFERENCES ledgers(team_id),
	code          TEXT NOT NULL,
	quantity      BIGINT NOT NULL CHECK (quantity > 0),
	average_price NUMERIC NOT NULL,
	PRIMARY KEY (team_id, code)
);

CREATE TABLE IF NOT EXISTS proposals (
	id                TEXT PRIMARY KEY,
	team_id           TEXT NOT NULL REFERENCES teams(id),
	proposer_id       TEXT NOT NULL,
	proposer_name     TEXT NOT NULL,
	side              TEXT NOT NULL,
	instrument_code   TEXT NOT NULL,
	instrument_name   TEXT NOT NULL,
	quantity          BIGINT NOT NULL CHECK (quantity > 0),
	strategy          TEXT NOT NULL,
	limit_price       NUMERIC NOT NULL,
	trigger_price     NUMERIC NOT NULL,
	trigger_direction TEXT NOT NULL,
	reason            TEXT NOT NULL,
	client_token      TEXT NOT NULL,
	votes             JSONB NOT NULL,
	status            TEXT NOT NULL,
	execution_price   NUMERIC NOT NULL,
	executed_at       TIMESTAMPTZ,
	failure_reason    TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS proposals_one_active
	ON proposals (team_id, instrument_code, side)
	WHERE status IN ('ongoing', 'passed', 'pending', 'executing');

CREATE UNIQUE INDEX IF NOT EXISTS proposals_client_token
	ON proposals (team_id, client_token) WHERE client_token <> '';

CREATE INDEX IF NOT EXISTS proposals_status ON proposals (status, created_at);

CREATE TABLE IF NOT EXISTS messages (
	team_id      TEXT NOT NULL REFERENCES teams(id),
	seq          BIGINT NOT NULL,
	id           TEXT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	sender_name  TEXT NOT NULL,
	body         TEXT NOT NULL,
	proposal_id  TEXT NOT NULL,
	execution    JSONB,
	client_token TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (team_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_client_token
	ON messages (team_id, client_token) WHERE client_token <> '';
`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// --- Rooms ---

func (s *PostgresStore) CreateRoom(ctx context.Context, r *model.Room) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO rooms (id, name, capacity, status, created_by, team_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.Name, r.Capacity, string(r.Status), r.CreatedBy, r.TeamID, r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert room %s: %w", r.ID, err)
		}
		return insertRoomMembers(ctx, tx, r)
	})
}

func insertRoomMembers(ctx context.Context, tx pgx.Tx, r *model.Room) error {
	for i, m := range r.Members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id, nickname, position, joined_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			r.ID, m.UserID, m.Nickname, i, m.JoinedAt,
		); err != nil {
			return fmt.Errorf("insert room member %s: %w", m.UserID, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	var r model.Room
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, capacity, status, created_by, team_id, created_at
		 FROM rooms WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Capacity, &status, &r.CreatedBy, &r.TeamID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	r.Status = model.RoomStatus(status)

	members, err := s.roomMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Members = members
	return &r, nil
}

func (s *PostgresStore) roomMembers(ctx context.Context, roomID string) ([]model.MemberRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, nickname, joined_at FROM room_members
		 WHERE room_id = $1 ORDER BY position`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []model.MemberRef
	for rows.Next() {
		var m model.MemberRef
		if err := rows.Scan(&m.UserID, &m.Nickname, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) ListRooms(ctx context.Context, status model.RoomStatus) ([]model.Room, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM rooms WHERE ($1 = '' OR status = $1) ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	rooms := make([]model.Room, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRoom(ctx, id)
		if errors.Is(err, model.ErrRoomNotFound) {
			continue // deleted between the two queries
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *r)
	}
	return rooms, nil
}

func (s *PostgresStore) UpdateRoom(ctx context.Context, r *model.Room) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET status = $2, team_id = $3 WHERE id = $1`,
			r.ID, string(r.Status), r.TeamID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return model.ErrRoomNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1`, r.ID); err != nil {
			return err
		}
		return insertRoomMembers(ctx, tx, r)
	})
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRoomNotFound
	}
	return nil
}

// --- Teams and memberships ---

func (s *PostgresStore) CreateTeam(ctx context.Context, t *model.Team, l *model.Ledger, r *model.Room) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO teams (id, room_id, name, created_at) VALUES ($1, $2, $3, $4)`,
			t.ID, t.RoomID, t.Name, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert team %s: %w", t.ID, err)
		}
		for i, m := range t.Members {
			if _, err := tx.Exec(ctx,
				`INSERT INTO team_members (team_id, user_id, nickname, position, joined_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				t.ID, m.UserID, m.Nickname, i, m.JoinedAt,
			); err != nil {
				return fmt.Errorf("insert team member %s: %w", m.UserID, err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledgers (team_id, cash, investment_amount, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
			l.TeamID, l.Cash.String(), l.InvestmentAmount.String(), l.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert ledger %s: %w", l.TeamID, err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET status = $2, team_id = $3 WHERE id = $1`,
			r.ID, string(r.Status), r.TeamID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return model.ErrRoomNotFound
		}
		return nil
	})
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	var t model.Team
	err := s.pool.QueryRow(ctx,
		`SELECT id, room_id, name, created_at FROM teams WHERE id = $1`, id).
		Scan(&t.ID, &t.RoomID, &t.Name, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTeamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, nickname, joined_at FROM team_members
		 WHERE team_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m model.MemberRef
		if err := rows.Scan(&m.UserID, &m.Nickname, &m.JoinedAt); err != nil {
			return nil, err
		}
		t.Members = append(t.Members, m)
	}
	return &t, rows.Err()
}

func (s *PostgresStore) GetMembership(ctx context.Context, userID string) (*model.Membership, error) {
	m := &model.Membership{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT team_id FROM team_members WHERE user_id = $1`, userID).Scan(&m.TeamID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT rm.room_id FROM room_members rm
		 JOIN rooms r ON r.id = rm.room_id
		 WHERE rm.user_id = $1 AND r.status <> 'started'
		 ORDER BY r.created_at LIMIT 1`, userID).Scan(&m.RoomID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return m, nil
}

// --- Ledgers ---

func (s *PostgresStore) GetLedger(ctx context.Context, teamID string) (*model.Ledger, error) {
	l := &model.Ledger{TeamID: teamID, Holdings: make(map[string]*model.Holding)}
	var cash, invested string
	err := s.pool.QueryRow(ctx,
		`SELECT cash::TEXT, investment_amount::TEXT, updated_at
		 FROM ledgers WHERE team_id = $1`, teamID).
		Scan(&cash, &invested, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTeamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger %s: %w", teamID, err)
	}
	l.Cash, _ = decimal.NewFromString(cash)
	l.InvestmentAmount, _ = decimal.NewFromString(invested)

	rows, err := s.pool.Query(ctx,
		`SELECT code, quantity, average_price::TEXT FROM holdings WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h model.Holding
		var avg string
		if err := rows.Scan(&h.Code, &h.Quantity, &avg); err != nil {
			return nil, err
		}
		h.AveragePrice, _ = decimal.NewFromString(avg)
		l.Holdings[h.Code] = &h
	}
	return l, rows.Err()
}

// GetMembershipForUpdate reads the same rows as GetMembership. Postgres is
// the source of truth, so there is nothing to bypass.
func (s *PostgresStore) GetMembershipForUpdate(ctx context.Context, userID string) (*model.Membership, error) {
	return s.GetMembership(ctx, userID)
}

// GetLedgerForUpdate reads the same rows as GetLedger. Writers of one team
// are serialized by the ledger service's team lock.
func (s *PostgresStore) GetLedgerForUpdate(ctx context.Context, teamID string) (*model.Ledger, error) {
	return s.GetLedger(ctx, teamID)
}

func (s *PostgresStore) SaveLedger(ctx context.Context, l *model.Ledger) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE ledgers SET cash = $2::NUMERIC, updated_at = $3 WHERE team_id = $1`,
			l.TeamID, l.Cash.String(), l.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return model.ErrTeamNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM holdings WHERE team_id = $1`, l.TeamID); err != nil {
			return err
		}
		for _, h := range l.Holdings {
			if _, err := tx.Exec(ctx,
				`INSERT INTO holdings (team_id, code, quantity, average_price)
				 VALUES ($1, $2, $3, $4::NUMERIC)`,
				l.TeamID, h.Code, h.Quantity, h.AveragePrice.String(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Proposals ---

const proposalColumns = `id, team_id, proposer_id, proposer_name, side, instrument_code,
	instrument_name, quantity, strategy, limit_price::TEXT, trigger_price::TEXT,
	trigger_direction, reason, client_token, votes, status, execution_price::TEXT,
	executed_at, failure_reason, created_at, expires_at, updated_at`

func (s *PostgresStore) CreateProposal(ctx context.Context, p *model.Proposal, card *model.Message) error {
	votes, err := json.Marshal(p.Votes)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO proposals (id, team_id, proposer_id, proposer_name, side, instrument_code,
				instrument_name, quantity, strategy, limit_price, trigger_price, trigger_direction,
				reason, client_token, votes, status, execution_price, executed_at, failure_reason,
				created_at, expires_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12,
				$13, $14, $15::JSONB, $16, $17::NUMERIC, $18, $19, $20, $21, $22)`,
			p.ID, p.TeamID, p.ProposerID, p.ProposerName, string(p.Side), p.InstrumentCode,
			p.InstrumentName, p.Quantity, string(p.Strategy), p.LimitPrice.String(),
			p.TriggerPrice.String(), string(p.TriggerDirection), p.Reason, p.ClientToken,
			string(votes), string(p.Status), p.ExecutionPrice.String(), p.ExecutedAt,
			p.FailureReason, p.CreatedAt, p.ExpiresAt, p.UpdatedAt,
		)
		if isUniqueViolation(err, "proposals_one_active") {
			return model.ErrDuplicateActiveProposal
		}
		if err != nil {
			return fmt.Errorf("insert proposal %s: %w", p.ID, err)
		}
		if card == nil {
			return nil
		}
		return appendMessageTx(ctx, tx, card)
	})
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) FindProposalByToken(ctx context.Context, teamID, token string) (*model.Proposal, error) {
	if token == "" {
		return nil, model.ErrProposalNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE team_id = $1 AND client_token = $2`,
		teamID, token)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrProposalNotFound
	}
	return p, err
}

func (s *PostgresStore) UpdateProposal(ctx context.Context, p *model.Proposal) error {
	votes, err := json.Marshal(p.Votes)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE proposals
		 SET votes = $2::JSONB, status = $3, execution_price = $4::NUMERIC,
		     executed_at = $5, failure_reason = $6, updated_at = $7
		 WHERE id = $1`,
		p.ID, string(votes), string(p.Status), p.ExecutionPrice.String(),
		p.ExecutedAt, p.FailureReason, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update proposal %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrProposalNotFound
	}
	return nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, teamID string, activeOnly bool) ([]model.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE team_id = $1`
	if activeOnly {
		query += ` AND status IN ('ongoing', 'passed', 'pending', 'executing')`
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY created_at DESC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProposals(rows)
}

func (s *PostgresStore) ListProposalsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Proposal, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProposals(rows)
}

func scanProposal(row pgx.Row) (*model.Proposal, error) {
	var p model.Proposal
	var side, strategy, direction, status string
	var limit, trigger, execPrice string
	var votes []byte
	if err := row.Scan(&p.ID, &p.TeamID, &p.ProposerID, &p.ProposerName, &side,
		&p.InstrumentCode, &p.InstrumentName, &p.Quantity, &strategy, &limit, &trigger,
		&direction, &p.Reason, &p.ClientToken, &votes, &status, &execPrice,
		&p.ExecutedAt, &p.FailureReason, &p.CreatedAt, &p.ExpiresAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	p.Strategy = model.Strategy(strategy)
	p.TriggerDirection = model.Direction(direction)
	p.Status = model.Status(status)
	p.LimitPrice, _ = decimal.NewFromString(limit)
	p.TriggerPrice, _ = decimal.NewFromString(trigger)
	p.ExecutionPrice, _ = decimal.NewFromString(execPrice)
	if err := json.Unmarshal(votes, &p.Votes); err != nil {
		return nil, fmt.Errorf("decode votes of %s: %w", p.ID, err)
	}
	return &p, nil
}

func scanProposals(rows pgx.Rows) ([]model.Proposal, error) {
	var result []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// --- Chat log ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return appendMessageTx(ctx, tx, msg)
	})
}

// appendMessageTx takes the next sequence from the team row; the row lock
// serializes concurrent appends to one team.
func appendMessageTx(ctx context.Context, tx pgx.Tx, msg *model.Message) error {
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE teams SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`,
		msg.TeamID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrTeamNotFound
	}
	if err != nil {
		return err
	}

	var execution []byte
	if msg.Execution != nil {
		if execution, err = json.Marshal(msg.Execution); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (team_id, seq, id, kind, sender_id, sender_name, body,
			proposal_id, execution, client_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::JSONB, $10, $11)`,
		msg.TeamID, seq, msg.ID, string(msg.Kind), msg.SenderID, msg.SenderName, msg.Text,
		msg.ProposalID, nullableJSON(execution), msg.ClientToken, msg.CreatedAt,
	)
	if isUniqueViolation(err, "messages_client_token") {
		return model.ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	msg.Seq = seq
	return nil
}

const messageColumns = `team_id, seq, id, kind, sender_id, sender_name, body, proposal_id,
	execution, client_token, created_at`

func (s *PostgresStore) FindMessageByToken(ctx context.Context, teamID, token string) (*model.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE team_id = $1 AND client_token = $2`,
		teamID, token)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

func (s *PostgresStore) ListMessages(ctx context.Context, teamID string, afterSeq int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE team_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		teamID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var kind string
	var execution []byte
	if err := row.Scan(&m.TeamID, &m.Seq, &m.ID, &kind, &m.SenderID, &m.SenderName,
		&m.Text, &m.ProposalID, &execution, &m.ClientToken, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Kind = model.MessageKind(kind)
	if len(execution) > 0 {
		m.Execution = &model.ExecutionNotice{}
		if err := json.Unmarshal(execution, m.Execution); err != nil {
			return nil, fmt.Errorf("decode execution notice %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

// Ping verifies connectivity; used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
