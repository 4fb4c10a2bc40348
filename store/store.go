package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/jmoiron/sqlx"
	"github.com/nyaruka/null"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/waconsole/dispatch"
)

// LogID is our typing of the message log db int type
type LogID null.Int

// NilLogID is our nil value for LogID
var NilLogID = LogID(0)

// String satisfies the Stringer interface
func (i LogID) String() string {
	if i != NilLogID {
		return strconv.FormatInt(int64(i), 10)
	}
	return "null"
}

// Value returns the db value, null is returned for 0
func (i LogID) Value() (driver.Value, error) {
	return null.Int(i).Value()
}

// Scan scans from the db value. null values become 0
func (i *LogID) Scan(value interface{}) error {
	return null.ScanInt(value, (*null.Int)(i))
}

// message log direction values
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const lastInboundKeyPattern = "dispatch:last_inbound:%s"

const selectInboundHistorySQL = `
SELECT
	recipient_number,
	sent_at
FROM
	message_log
WHERE
	recipient_number = $1 AND
	direction = 'inbound'
ORDER BY
	sent_at DESC
LIMIT $2
`

const selectRecipientNumbersSQL = `
SELECT DISTINCT
	recipient_number
FROM
	message_log
ORDER BY
	recipient_number
`

const insertLogSQL = `
INSERT INTO
	message_log(recipient_number, template_name, content, status, direction, error_message, sent_at)
VALUES
	(:recipient_number, :template_name, :content, :status, :direction, :error_message, :sent_at)
RETURNING id
`

// dbLog is our DB specific type for a message log row
type dbLog struct {
	ID            LogID     `db:"id"`
	Recipient     string    `db:"recipient_number"`
	TemplateName  string    `db:"template_name"`
	Content       string    `db:"content"`
	Status        string    `db:"status"`
	Direction     string    `db:"direction"`
	ErrorMessage string    `db:"error_message"`
	SentAt        time.Time `db:"sent_at"`
}

type dbInbound struct {
	Recipient string    `db:"recipient_number"`
	SentAt    time.Time `db:"sent_at"`
}

// Store reads and writes the message log. It is the engine's history lookup and
// outcome recorder, backed by Postgres with a Redis read-through cache of the
// newest inbound timestamp per recipient.
type Store struct {
	db           *sqlx.DB
	redisPool    *redis.Pool
	historyDepth int
}

// NewStore creates a new message log store over the passed in db and redis pool,
// the pool may be nil to disable caching
func NewStore(db *sqlx.DB, redisPool *redis.Pool, historyDepth int) *Store {
	if historyDepth < 1 {
		historyDepth = 10
	}
	return &Store{db: db, redisPool: redisPool, historyDepth: historyDepth}
}

// InboundHistory returns the inbound events for the passed in recipient, most
// recent first. The newest timestamp is cached in Redis for the length of the
// session window so bulk eligibility checks don't hammer the db.
func (s *Store) InboundHistory(ctx context.Context, address string) ([]dispatch.InboundEvent, error) {
	if cached := s.cachedLastInbound(address); cached != nil {
		return []dispatch.InboundEvent{*cached}, nil
	}

	rows := []dbInbound{}
	err := s.db.SelectContext(ctx, &rows, selectInboundHistorySQL, address, s.historyDepth)
	if err != nil {
		return nil, errors.Wrapf(err, "error selecting inbound history for %s", address)
	}

	history := make([]dispatch.InboundEvent, len(rows))
	for i, row := range rows {
		history[i] = dispatch.InboundEvent{Address: row.Recipient, ReceivedOn: row.SentAt}
	}

	if len(history) > 0 {
		s.cacheLastInbound(address, history[0].ReceivedOn)
	}
	return history, nil
}

// cachedLastInbound returns the cached newest inbound event for a recipient,
// nil on a miss or when caching is disabled
func (s *Store) cachedLastInbound(address string) *dispatch.InboundEvent {
	if s.redisPool == nil {
		return nil
	}
	rc := s.redisPool.Get()
	defer rc.Close()

	value, err := redis.String(rc.Do("GET", fmt.Sprintf(lastInboundKeyPattern, address)))
	if err != nil {
		return nil
	}
	receivedOn, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &dispatch.InboundEvent{Address: address, ReceivedOn: receivedOn}
}

func (s *Store) cacheLastInbound(address string, receivedOn time.Time) {
	if s.redisPool == nil {
		return
	}
	rc := s.redisPool.Get()
	defer rc.Close()

	// entries expire with the session window, a stale newest-inbound can only
	// make a recipient look eligible for as long as the window itself lasts
	ttl := int(dispatch.SessionWindow / time.Second)
	_, err := rc.Do("SET", fmt.Sprintf(lastInboundKeyPattern, address), receivedOn.Format(time.RFC3339), "EX", ttl)
	if err != nil {
		logrus.WithField("comp", "store").WithField("recipient", address).WithError(err).Error("error caching last inbound")
	}
}

// RecordOutcome writes one outbound message log row per recipient result of the batch
func (s *Store) RecordOutcome(ctx context.Context, request *dispatch.BatchRequest, results []dispatch.RecipientResult) error {
	templateName := "text"
	content := request.Text
	if request.Type == dispatch.MsgTypeTemplate {
		templateName = request.TemplateName
		content = ""
	}

	for _, result := range results {
		status := "sent"
		if result.Outcome == dispatch.OutcomeFailed {
			status = "failed"
		}
		row := &dbLog{
			Recipient:     result.Address,
			TemplateName:  templateName,
			Content:       content,
			Status:        status,
			Direction:     DirectionOutbound,
			ErrorMessage: result.Reason,
			SentAt:        time.Now().In(time.UTC),
		}

		rows, err := s.db.NamedQueryContext(ctx, insertLogSQL, row)
		if err != nil {
			return errors.Wrapf(err, "error writing message log for %s", result.Address)
		}
		rows.Close()
	}
	return nil
}

// RecipientNumbers returns every distinct recipient the client has a message
// log entry for, used to seed the compose screen's registry
func (s *Store) RecipientNumbers(ctx context.Context) ([]string, error) {
	numbers := []string{}
	err := s.db.SelectContext(ctx, &numbers, selectRecipientNumbersSQL)
	if err != nil {
		return nil, errors.Wrap(err, "error selecting recipient numbers")
	}
	return numbers, nil
}

// Messages returns the message log entries matching the passed in filter,
// newest first
func (s *Store) Messages(ctx context.Context, filter dispatch.LogFilter) ([]dispatch.LogEntry, error) {
	query := `SELECT id, recipient_number, template_name, content, status, direction, error_message, sent_at FROM message_log`
	args := []interface{}{}
	where := ""

	addClause := func(clause string, value string) {
		if value == "" {
			return
		}
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		args = append(args, value)
		where += fmt.Sprintf(clause, len(args))
	}

	addClause("status = $%d", filter.Status)
	addClause("direction = $%d", filter.Direction)
	addClause("recipient_number = $%d", filter.Recipient)

	rows := []dbLog{}
	err := s.db.SelectContext(ctx, &rows, query+where+" ORDER BY sent_at DESC", args...)
	if err != nil {
		return nil, errors.Wrap(err, "error selecting message log")
	}

	entries := make([]dispatch.LogEntry, len(rows))
	for i, row := range rows {
		entries[i] = dispatch.LogEntry{
			ID:           int64(row.ID),
			Recipient:    row.Recipient,
			TemplateName: row.TemplateName,
			Content:      row.Content,
			Status:       row.Status,
			Direction:    row.Direction,
			Reason:       row.ErrorMessage,
			SentAt:       row.SentAt,
		}
	}
	return entries, nil
}
