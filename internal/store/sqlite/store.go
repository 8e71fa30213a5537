package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent_consensus/internal/domain"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid debate status transition")
	ErrInvalidArgument   = errors.New("invalid argument")
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	style TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	second_me_id TEXT NULL,
	weight REAL NOT NULL DEFAULT 1.0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS debates (
	id TEXT PRIMARY KEY,
	round INTEGER NOT NULL UNIQUE,
	status TEXT NOT NULL,
	target_stock TEXT NULL,
	entry_price REAL NULL,
	target_price REAL NULL,
	stop_loss REAL NULL,
	actual_return REAL NULL,
	created_by TEXT NULL,
	started_at INTEGER NOT NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_debates_status ON debates(status, round);

CREATE TABLE IF NOT EXISTS arguments (
	id TEXT PRIMARY KEY,
	debate_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	content TEXT NOT NULL,
	sentiment TEXT NOT NULL,
	stock TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL,
	seq INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(debate_id, seq),
	FOREIGN KEY(debate_id) REFERENCES debates(id) ON DELETE CASCADE,
	FOREIGN KEY(agent_id) REFERENCES agents(id)
);
CREATE INDEX IF NOT EXISTS idx_arguments_debate ON arguments(debate_id, created_at, seq);

CREATE TABLE IF NOT EXISTS votes (
	id TEXT PRIMARY KEY,
	debate_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	stock TEXT NOT NULL,
	weight REAL NOT NULL,
	reason TEXT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(debate_id, agent_id),
	FOREIGN KEY(debate_id) REFERENCES debates(id) ON DELETE CASCADE,
	FOREIGN KEY(agent_id) REFERENCES agents(id)
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	debate_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(debate_id) REFERENCES debates(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decision_log_debate ON decision_log(debate_id, created_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open applies the pragmas through the DSN so every pooled connection gets them.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath + "?" + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
	}, "&")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// IsBusy reports whether err is a transient lock error worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func (s *Store) UpsertAgents(ctx context.Context, agents []domain.Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx upsert agents: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.now().UTC().Unix()
	for _, a := range agents {
		if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("upsert agent: %w: id and name are required", ErrInvalidArgument)
		}
		if a.Source == "" {
			a.Source = domain.AgentSourceLocal
		}
		if a.Weight <= 0 {
			a.Weight = 1.0
		}
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO agents(id, name, role, style, source, second_me_id, weight, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				role = excluded.role,
				style = excluded.style,
				source = excluded.source,
				second_me_id = excluded.second_me_id,
				weight = excluded.weight`,
			a.ID, a.Name, a.Role, a.Style, string(a.Source), nullableString(a.SecondMeID), a.Weight, now,
		)
		if err != nil {
			return fmt.Errorf("upsert agent %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert agents: %w", err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, role, style, source, second_me_id, weight
		FROM agents ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, role, style, source, second_me_id, weight FROM agents WHERE id = ?`,
		agentID,
	)
	a, err := scanAgent(row)
	if err != nil {
		return domain.Agent{}, notFound("get agent", err)
	}
	return a, nil
}

// CreateRound inserts the debate for the next round number. A repeated
// idempotency key returns the debate created by the first call.
func (s *Store) CreateRound(ctx context.Context, idempotencyKey string, createdBy string) (domain.Debate, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Debate{}, false, fmt.Errorf("begin tx create round: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	debateID := uuid.NewString()
	existing, claimed, err := claimKey(ctx, tx, "round:"+idempotencyKey, debateID, s.now())
	if err != nil {
		return domain.Debate{}, false, err
	}
	if !claimed {
		if err := tx.Commit(); err != nil {
			return domain.Debate{}, false, fmt.Errorf("commit create round: %w", err)
		}
		d, err := s.GetDebate(ctx, existing)
		return d, false, err
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(round), 0) + 1 FROM debates`).Scan(&next); err != nil {
		return domain.Debate{}, false, fmt.Errorf("next round number: %w", err)
	}

	now := s.now().UTC()
	d := domain.Debate{
		ID:        debateID,
		Round:     next,
		Status:    domain.DebateStatusSensing,
		StartedAt: time.Unix(now.Unix(), 0).UTC(),
	}
	if strings.TrimSpace(createdBy) != "" {
		d.CreatedBy = &createdBy
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO debates(id, round, status, created_by, started_at) VALUES(?, ?, ?, ?, ?)`,
		d.ID, d.Round, string(d.Status), nullableString(d.CreatedBy), d.StartedAt.Unix(),
	)
	if err != nil {
		return domain.Debate{}, false, fmt.Errorf("insert debate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Debate{}, false, fmt.Errorf("commit create round: %w", err)
	}
	return d, true, nil
}

// AppendArgument validates and stores an argument, assigning the next seq of
// its debate. A repeated idempotency key returns the stored argument.
func (s *Store) AppendArgument(ctx context.Context, arg domain.Argument, idempotencyKey string) (domain.Argument, bool, error) {
	if err := validateArgument(arg); err != nil {
		return domain.Argument{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Argument{}, false, fmt.Errorf("begin tx append argument: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if arg.ID == "" {
		arg.ID = uuid.NewString()
	}
	existing, claimed, err := claimKey(ctx, tx, "argument:"+idempotencyKey, arg.ID, s.now())
	if err != nil {
		return domain.Argument{}, false, err
	}
	if !claimed {
		if err := tx.Commit(); err != nil {
			return domain.Argument{}, false, fmt.Errorf("commit append argument: %w", err)
		}
		stored, err := s.getArgument(ctx, existing)
		return stored, false, err
	}

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM debates WHERE id = ?`, arg.DebateID).Scan(&one); err != nil {
		return domain.Argument{}, false, notFound("append argument: debate", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, arg.AgentID).Scan(&one); err != nil {
		return domain.Argument{}, false, notFound("append argument: agent", err)
	}

	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM arguments WHERE debate_id = ?`,
		arg.DebateID,
	).Scan(&arg.Seq); err != nil {
		return domain.Argument{}, false, fmt.Errorf("next argument seq: %w", err)
	}
	if arg.CreatedAt.IsZero() {
		arg.CreatedAt = s.now().UTC()
	}
	arg.CreatedAt = time.Unix(arg.CreatedAt.Unix(), 0).UTC()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO arguments(id, debate_id, agent_id, content, sentiment, stock, confidence, seq, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.DebateID, arg.AgentID, arg.Content, string(arg.Sentiment), arg.Stock,
		arg.Confidence, arg.Seq, arg.CreatedAt.Unix(),
	)
	if err != nil {
		return domain.Argument{}, false, fmt.Errorf("insert argument: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Argument{}, false, fmt.Errorf("commit append argument: %w", err)
	}
	return arg, true, nil
}

// ListArgumentsForRound returns the debate's arguments in creation order.
func (s *Store) ListArgumentsForRound(ctx context.Context, debateID string) ([]domain.Argument, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+argumentColumns+`
		FROM arguments ar
		LEFT JOIN agents ag ON ag.id = ar.agent_id
		WHERE ar.debate_id = ?
		ORDER BY ar.created_at ASC, ar.seq ASC`,
		debateID,
	)
	if err != nil {
		return nil, fmt.Errorf("list arguments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Argument, 0)
	for rows.Next() {
		arg, err := scanArgument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan argument: %w", err)
		}
		result = append(result, arg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate arguments: %w", err)
	}
	return result, nil
}

// UpdateRoundStatus moves a debate forward through the loop phases. Setting
// the current status again is a no-op; moving backwards is rejected.
func (s *Store) UpdateRoundStatus(ctx context.Context, debateID string, status domain.DebateStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update round status: %w: unknown status %q", ErrInvalidArgument, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx update round status: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM debates WHERE id = ?`, debateID).Scan(&raw); err != nil {
		return notFound("update round status", err)
	}
	current := domain.DebateStatus(raw)
	if current == status {
		return nil
	}
	if status.Order() < current.Order() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	var completedAt any
	if status == domain.DebateStatusReviewing {
		completedAt = s.now().UTC().Unix()
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE debates SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(status), completedAt, debateID,
	); err != nil {
		return fmt.Errorf("update round status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update round status: %w", err)
	}
	return nil
}

func (s *Store) GetDebate(ctx context.Context, debateID string) (domain.Debate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+debateColumns+` FROM debates WHERE id = ?`, debateID)
	d, err := scanDebate(row)
	if err != nil {
		return domain.Debate{}, notFound("get debate", err)
	}
	return s.withChildren(ctx, d)
}

func (s *Store) GetDebateByRound(ctx context.Context, round int) (domain.Debate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+debateColumns+` FROM debates WHERE round = ?`, round)
	d, err := scanDebate(row)
	if err != nil {
		return domain.Debate{}, notFound("get debate by round", err)
	}
	return s.withChildren(ctx, d)
}

// GetActiveDebate returns the latest debate that has not reached reviewing.
func (s *Store) GetActiveDebate(ctx context.Context) (domain.Debate, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+debateColumns+` FROM debates WHERE status != ? ORDER BY round DESC LIMIT 1`,
		string(domain.DebateStatusReviewing),
	)
	d, err := scanDebate(row)
	if err != nil {
		return domain.Debate{}, notFound("get active debate", err)
	}
	return s.withChildren(ctx, d)
}

func (s *Store) ListDebates(ctx context.Context, limit int) ([]domain.Debate, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+debateColumns+` FROM debates ORDER BY round DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list debates: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Debate, 0, limit)
	for rows.Next() {
		d, err := scanDebate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan debate: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate debates: %w", err)
	}
	return result, nil
}

// RecordVote stores the agent's vote for a debate, replacing an earlier one.
func (s *Store) RecordVote(ctx context.Context, vote domain.Vote) (domain.Vote, error) {
	if strings.TrimSpace(vote.Stock) == "" {
		return domain.Vote{}, fmt.Errorf("record vote: %w: stock is required", ErrInvalidArgument)
	}
	if vote.ID == "" {
		vote.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO votes(id, debate_id, agent_id, stock, weight, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(debate_id, agent_id) DO UPDATE SET
			stock = excluded.stock,
			weight = excluded.weight,
			reason = excluded.reason`,
		vote.ID, vote.DebateID, vote.AgentID, vote.Stock, vote.Weight, nullableString(vote.Reason),
		s.now().UTC().Unix(),
	)
	if err != nil {
		return domain.Vote{}, fmt.Errorf("record vote: %w", err)
	}
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT id FROM votes WHERE debate_id = ? AND agent_id = ?`,
		vote.DebateID, vote.AgentID,
	).Scan(&vote.ID); err != nil {
		return domain.Vote{}, fmt.Errorf("read vote id: %w", err)
	}
	return vote, nil
}

func (s *Store) ListVotes(ctx context.Context, debateID string) ([]domain.Vote, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT v.id, v.debate_id, v.agent_id, v.stock, v.weight, v.reason,
			ag.id, ag.name, ag.role, ag.style, ag.source, ag.second_me_id, ag.weight
		FROM votes v
		LEFT JOIN agents ag ON ag.id = v.agent_id
		WHERE v.debate_id = ?
		ORDER BY v.created_at ASC, v.agent_id ASC`,
		debateID,
	)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Vote, 0)
	for rows.Next() {
		var v domain.Vote
		var reason sql.NullString
		var ag nullableAgent
		if err := rows.Scan(
			&v.ID, &v.DebateID, &v.AgentID, &v.Stock, &v.Weight, &reason,
			&ag.id, &ag.name, &ag.role, &ag.style, &ag.source, &ag.secondMeID, &ag.weight,
		); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.Reason = stringPtr(reason)
		v.Agent = ag.agent()
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return result, nil
}

func (s *Store) SetTargetStock(ctx context.Context, debateID string, stock string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE debates SET target_stock = ? WHERE id = ?`, stock, debateID)
	if err != nil {
		return fmt.Errorf("set target stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set target stock rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set target stock: %w", ErrNotFound)
	}
	return nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.Decision) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(debate_id, actor, action, reason, created_at) VALUES(?, ?, ?, ?, ?)`,
		entry.DebateID, entry.Actor, entry.Action, entry.Reason, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, debateID string, limit int) ([]domain.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, debate_id, actor, action, reason, created_at
		FROM decision_log
		WHERE debate_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		debateID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Decision, 0)
	for rows.Next() {
		var item domain.Decision
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.DebateID, &item.Actor, &item.Action, &item.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func (s *Store) getArgument(ctx context.Context, argumentID string) (domain.Argument, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+argumentColumns+`
		FROM arguments ar
		LEFT JOIN agents ag ON ag.id = ar.agent_id
		WHERE ar.id = ?`,
		argumentID,
	)
	arg, err := scanArgument(row)
	if err != nil {
		return domain.Argument{}, notFound("get argument", err)
	}
	return arg, nil
}

func (s *Store) withChildren(ctx context.Context, d domain.Debate) (domain.Debate, error) {
	args, err := s.ListArgumentsForRound(ctx, d.ID)
	if err != nil {
		return domain.Debate{}, err
	}
	votes, err := s.ListVotes(ctx, d.ID)
	if err != nil {
		return domain.Debate{}, err
	}
	d.Arguments = args
	d.Votes = votes
	return d, nil
}

// claimKey records key -> entityID. When the key already exists it returns
// the entity recorded by the first claim.
func claimKey(ctx context.Context, tx *sql.Tx, key string, entityID string, now time.Time) (string, bool, error) {
	if strings.HasSuffix(key, ":") {
		key += uuid.NewString()
	}
	res, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO idempotency_keys(key, entity_id, created_at) VALUES(?, ?, ?)`,
		key, entityID, now.UTC().Unix(),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected > 0 {
		return entityID, true, nil
	}
	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT entity_id FROM idempotency_keys WHERE key = ?`, key).Scan(&existing); err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	return existing, false, nil
}

func validateArgument(arg domain.Argument) error {
	switch {
	case strings.TrimSpace(arg.DebateID) == "":
		return fmt.Errorf("append argument: %w: debate id is required", ErrInvalidArgument)
	case strings.TrimSpace(arg.AgentID) == "":
		return fmt.Errorf("append argument: %w: agent id is required", ErrInvalidArgument)
	case strings.TrimSpace(arg.Content) == "":
		return fmt.Errorf("append argument: %w: content is empty", ErrInvalidArgument)
	case !arg.Sentiment.Valid():
		return fmt.Errorf("append argument: %w: unknown sentiment %q", ErrInvalidArgument, arg.Sentiment)
	case arg.Confidence < 0 || arg.Confidence > 1:
		return fmt.Errorf("append argument: %w: confidence %.3f outside [0,1]", ErrInvalidArgument, arg.Confidence)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const debateColumns = `id, round, status, target_stock, entry_price, target_price, stop_loss,
	actual_return, created_by, started_at, completed_at`

func scanDebate(row scanner) (domain.Debate, error) {
	var d domain.Debate
	var status string
	var target, createdBy sql.NullString
	var entry, targetPrice, stop, actual sql.NullFloat64
	var started int64
	var completed sql.NullInt64
	if err := row.Scan(
		&d.ID, &d.Round, &status, &target, &entry, &targetPrice, &stop,
		&actual, &createdBy, &started, &completed,
	); err != nil {
		return domain.Debate{}, err
	}
	d.Status = domain.DebateStatus(status)
	d.TargetStock = stringPtr(target)
	d.EntryPrice = floatPtr(entry)
	d.TargetPrice = floatPtr(targetPrice)
	d.StopLoss = floatPtr(stop)
	d.ActualReturn = floatPtr(actual)
	d.CreatedBy = stringPtr(createdBy)
	d.StartedAt = unixToTime(started)
	d.CompletedAt = int64ToTimePtr(completed)
	return d, nil
}

const argumentColumns = `ar.id, ar.debate_id, ar.agent_id, ar.content, ar.sentiment, ar.stock,
	ar.confidence, ar.seq, ar.created_at,
	ag.id, ag.name, ag.role, ag.style, ag.source, ag.second_me_id, ag.weight`

func scanArgument(row scanner) (domain.Argument, error) {
	var arg domain.Argument
	var sentiment string
	var created int64
	var ag nullableAgent
	if err := row.Scan(
		&arg.ID, &arg.DebateID, &arg.AgentID, &arg.Content, &sentiment, &arg.Stock,
		&arg.Confidence, &arg.Seq, &created,
		&ag.id, &ag.name, &ag.role, &ag.style, &ag.source, &ag.secondMeID, &ag.weight,
	); err != nil {
		return domain.Argument{}, err
	}
	arg.Sentiment = domain.Sentiment(sentiment)
	arg.CreatedAt = unixToTime(created)
	arg.Agent = ag.agent()
	return arg, nil
}

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var source string
	var secondMeID sql.NullString
	if err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Style, &source, &secondMeID, &a.Weight); err != nil {
		return domain.Agent{}, err
	}
	a.Source = domain.AgentSource(source)
	a.SecondMeID = stringPtr(secondMeID)
	return a, nil
}

// nullableAgent holds the LEFT JOINed agent columns.
type nullableAgent struct {
	id, name, role, style, source, secondMeID sql.NullString
	weight                                    sql.NullFloat64
}

func (n nullableAgent) agent() *domain.Agent {
	if !n.id.Valid {
		return nil
	}
	return &domain.Agent{
		ID:         n.id.String,
		Name:       n.name.String,
		Role:       n.role.String,
		Style:      n.style.String,
		Source:     domain.AgentSource(n.source.String),
		SecondMeID: stringPtr(n.secondMeID),
		Weight:     n.weight.Float64,
	}
}

func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
