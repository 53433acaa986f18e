package store

import (
	"context"
	_ "embed"
	"errors"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Update takes a transactional advisory lock on the conversation key, so
//     same-conversation writers are serialized across processes and a block
//     merge can never interleave with another one.
//   - View runs REPEATABLE READ read-only, which gives a stable snapshot.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string

	messages string
	blocks   string
	pending  string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chatcache").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chatcache",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}

	st.messages = pgIdent(st.schema, "messages")
	st.blocks = pgIdent(st.schema, "blocks")
	st.pending = pgIdent(st.schema, "pending_sends")
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// ApplySchema creates the schema and tables if they do not exist.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	sql := strings.NewReplacer(
		"{{schema}}", pgx.Identifier{s.schema}.Sanitize(),
		"{{messages}}", s.messages,
		"{{blocks}}", s.blocks,
		"{{pending_sends}}", s.pending,
	).Replace(schemaSQL)

	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return txFailed("store.ApplySchema", err)
	}
	return nil
}

// Update runs fn in a read-write transaction holding the conversation's advisory lock.
func (s *PostgresStore) Update(ctx context.Context, key ConversationKey, fn func(Tx) error) error {
	if s == nil || s.pool == nil {
		return errors.New("store: nil store")
	}
	if !key.Valid() {
		return invalid("store.Update", "invalid conversation key")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return txFailed("store.Update", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return txFailed("store.Update.lock", err)
	}

	if err := fn(&pgTx{s: s, tx: tx, key: key}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return txFailed("store.Update.commit", err)
	}
	return nil
}

// View runs fn in a read-only snapshot transaction.
func (s *PostgresStore) View(ctx context.Context, key ConversationKey, fn func(Tx) error) error {
	if s == nil || s.pool == nil {
		return errors.New("store: nil store")
	}
	if !key.Valid() {
		return invalid("store.View", "invalid conversation key")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return txFailed("store.View", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{s: s, tx: tx, key: key, readOnly: true}); err != nil {
		return err
	}
	return txFailed("store.View.commit", tx.Commit(ctx))
}

// ConversationsWithPending lists keys holding at least one non-failed send.
func (s *PostgresStore) ConversationsWithPending(ctx context.Context) ([]ConversationKey, error) {
	return s.queryKeys(ctx, "store.ConversationsWithPending",
		`SELECT DISTINCT account_id, conversation_token
		   FROM `+s.pending+`
		  WHERE status <> 'failed'
		  ORDER BY account_id, conversation_token`,
	)
}

// Conversations lists keys holding at least one cached message.
func (s *PostgresStore) Conversations(ctx context.Context) ([]ConversationKey, error) {
	return s.queryKeys(ctx, "store.Conversations",
		`SELECT DISTINCT account_id, conversation_token
		   FROM `+s.messages+`
		  ORDER BY account_id, conversation_token`,
	)
}

func (s *PostgresStore) queryKeys(ctx context.Context, op, sql string) ([]ConversationKey, error) {
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, txFailed(op, err)
	}
	defer rows.Close()

	var out []ConversationKey
	for rows.Next() {
		var k ConversationKey
		if err := rows.Scan(&k.AccountID, &k.Token); err != nil {
			return nil, txFailed(op, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, txFailed(op, err)
	}
	return out, nil
}

type pgTx struct {
	s        *PostgresStore
	tx       pgx.Tx
	key      ConversationKey
	readOnly bool
}

func (t *pgTx) Key() ConversationKey { return t.key }

func (t *pgTx) writable(op string) error {
	if t.readOnly {
		return OpError{Op: op, Kind: ErrReadOnly}
	}
	return nil
}

// ---- messages ----

const messageColumns = `id, actor, body, ts, edited, deleted, params, reference_id, system_type, parent_id`

func (t *pgTx) UpsertMany(ctx context.Context, msgs []Message) error {
	if err := t.writable("store.UpsertMany"); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		if m.Key != t.key {
			return invalid("store.UpsertMany", "message belongs to another conversation")
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO `+t.s.messages+` (
			     account_id, conversation_token, `+messageColumns+`
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (account_id, conversation_token, id) DO UPDATE SET
			     actor        = EXCLUDED.actor,
			     body         = EXCLUDED.body,
			     ts           = EXCLUDED.ts,
			     edited       = EXCLUDED.edited,
			     deleted      = EXCLUDED.deleted,
			     params       = EXCLUDED.params,
			     reference_id = EXCLUDED.reference_id,
			     system_type  = EXCLUDED.system_type,
			     parent_id    = EXCLUDED.parent_id,
			     updated_at   = now()`,
			t.key.AccountID, t.key.Token, m.ID, m.Actor, m.Body, ts, m.Edited, m.Deleted,
			m.Params, m.ReferenceID, m.SystemType, m.ParentID,
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return txFailed("store.UpsertMany", err)
		}
	}
	return txFailed("store.UpsertMany", br.Close())
}

func (t *pgTx) queryMessages(ctx context.Context, op, sql string, args ...any) ([]Message, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, txFailed(op, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m := Message{Key: t.key}
		if err := rows.Scan(
			&m.ID,
			&m.Actor,
			&m.Body,
			&m.Timestamp,
			&m.Edited,
			&m.Deleted,
			&m.Params,
			&m.ReferenceID,
			&m.SystemType,
			&m.ParentID,
		); err != nil {
			return nil, txFailed(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, txFailed(op, err)
	}
	return out, nil
}

func (t *pgTx) ReadSince(ctx context.Context, afterID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return t.queryMessages(ctx, "store.ReadSince",
			`SELECT `+messageColumns+`
			   FROM `+t.s.messages+`
			  WHERE account_id = $1 AND conversation_token = $2 AND id > $3
			  ORDER BY id ASC`,
			t.key.AccountID, t.key.Token, afterID,
		)
	}
	return t.queryMessages(ctx, "store.ReadSince",
		`SELECT `+messageColumns+`
		   FROM `+t.s.messages+`
		  WHERE account_id = $1 AND conversation_token = $2 AND id > $3
		  ORDER BY id ASC
		  LIMIT $4`,
		t.key.AccountID, t.key.Token, afterID, limit,
	)
}

func (t *pgTx) ReadBeforeInclusive(ctx context.Context, uptoID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, invalid("store.ReadBeforeInclusive", "limit must be positive")
	}
	out, err := t.queryMessages(ctx, "store.ReadBeforeInclusive",
		`SELECT `+messageColumns+`
		   FROM `+t.s.messages+`
		  WHERE account_id = $1 AND conversation_token = $2 AND id <= $3
		  ORDER BY id DESC
		  LIMIT $4`,
		t.key.AccountID, t.key.Token, uptoID, limit,
	)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (t *pgTx) ReadOne(ctx context.Context, id int64) (Message, bool, error) {
	out, err := t.queryMessages(ctx, "store.ReadOne",
		`SELECT `+messageColumns+`
		   FROM `+t.s.messages+`
		  WHERE account_id = $1 AND conversation_token = $2 AND id = $3`,
		t.key.AccountID, t.key.Token, id,
	)
	if err != nil || len(out) == 0 {
		return Message{}, false, err
	}
	return out[0], true, nil
}

func (t *pgTx) DeleteRange(ctx context.Context, fromID, toID int64) (int64, error) {
	if err := t.writable("store.DeleteRange"); err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM `+t.s.messages+`
		  WHERE account_id = $1 AND conversation_token = $2 AND id BETWEEN $3 AND $4`,
		t.key.AccountID, t.key.Token, fromID, toID,
	)
	if err != nil {
		return 0, txFailed("store.DeleteRange", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) CountBetween(ctx context.Context, oldestID, newestID int64) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+t.s.messages+`
		  WHERE account_id = $1 AND conversation_token = $2 AND id BETWEEN $3 AND $4`,
		t.key.AccountID, t.key.Token, oldestID, newestID,
	).Scan(&n); err != nil {
		return 0, txFailed("store.CountBetween", err)
	}
	return n, nil
}

// ---- blocks ----

const blockColumns = `id, oldest, newest, has_history`

func (t *pgTx) queryBlocks(ctx context.Context, op, sql string, args ...any) ([]Block, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, txFailed(op, err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		b := Block{Key: t.key}
		if err := rows.Scan(&b.ID, &b.Oldest, &b.Newest, &b.HasHistory); err != nil {
			return nil, txFailed(op, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, txFailed(op, err)
	}
	return out, nil
}

func (t *pgTx) FindConnected(ctx context.Context, oldest, newest int64) ([]Block, error) {
	return t.queryBlocks(ctx, "store.FindConnected",
		`SELECT `+blockColumns+`
		   FROM `+t.s.blocks+`
		  WHERE account_id = $1 AND conversation_token = $2
		    AND oldest <= $4 AND newest >= $3
		  ORDER BY oldest ASC`,
		t.key.AccountID, t.key.Token, oldest-1, newest+1,
	)
}

func (t *pgTx) firstBlock(ctx context.Context, op, sql string, args ...any) (Block, bool, error) {
	out, err := t.queryBlocks(ctx, op, sql, args...)
	if err != nil || len(out) == 0 {
		return Block{}, false, err
	}
	return out[0], true, nil
}

func (t *pgTx) CoveringBlock(ctx context.Context, id int64) (Block, bool, error) {
	return t.firstBlock(ctx, "store.CoveringBlock",
		`SELECT `+blockColumns+`
		   FROM `+t.s.blocks+`
		  WHERE account_id = $1 AND conversation_token = $2
		    AND oldest <= $3 AND newest >= $3
		  ORDER BY oldest ASC
		  LIMIT 1`,
		t.key.AccountID, t.key.Token, id,
	)
}

func (t *pgTx) OldestBlock(ctx context.Context) (Block, bool, error) {
	return t.firstBlock(ctx, "store.OldestBlock",
		`SELECT `+blockColumns+`
		   FROM `+t.s.blocks+`
		  WHERE account_id = $1 AND conversation_token = $2
		  ORDER BY oldest ASC
		  LIMIT 1`,
		t.key.AccountID, t.key.Token,
	)
}

func (t *pgTx) ListBlocks(ctx context.Context) ([]Block, error) {
	return t.queryBlocks(ctx, "store.ListBlocks",
		`SELECT `+blockColumns+`
		   FROM `+t.s.blocks+`
		  WHERE account_id = $1 AND conversation_token = $2
		  ORDER BY oldest ASC`,
		t.key.AccountID, t.key.Token,
	)
}

func (t *pgTx) InsertBlock(ctx context.Context, b Block) (Block, error) {
	if err := t.writable("store.InsertBlock"); err != nil {
		return Block{}, err
	}
	if b.Oldest > b.Newest {
		return Block{}, invalid("store.InsertBlock", "oldest > newest")
	}
	b.Key = t.key
	if err := t.tx.QueryRow(ctx,
		`INSERT INTO `+t.s.blocks+` (account_id, conversation_token, oldest, newest, has_history)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		t.key.AccountID, t.key.Token, b.Oldest, b.Newest, b.HasHistory,
	).Scan(&b.ID); err != nil {
		return Block{}, txFailed("store.InsertBlock", err)
	}
	return b, nil
}

func (t *pgTx) UpdateBlock(ctx context.Context, b Block) error {
	if err := t.writable("store.UpdateBlock"); err != nil {
		return err
	}
	if b.Oldest > b.Newest {
		return invalid("store.UpdateBlock", "oldest > newest")
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.blocks+`
		    SET oldest = $4, newest = $5, has_history = $6
		  WHERE account_id = $1 AND conversation_token = $2 AND id = $3`,
		t.key.AccountID, t.key.Token, b.ID, b.Oldest, b.Newest, b.HasHistory,
	)
	if err != nil {
		return txFailed("store.UpdateBlock", err)
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: "store.UpdateBlock", Kind: ErrNotFound}
	}
	return nil
}

func (t *pgTx) DeleteBlocks(ctx context.Context, ids ...int64) error {
	if err := t.writable("store.DeleteBlocks"); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`DELETE FROM `+t.s.blocks+`
		  WHERE account_id = $1 AND conversation_token = $2 AND id = ANY($3)`,
		t.key.AccountID, t.key.Token, ids,
	)
	return txFailed("store.DeleteBlocks", err)
}

// ---- pending sends ----

const pendingColumns = `reference_id, seq, actor, body, params, status, attempts, created_at, updated_at`

func (t *pgTx) queryPending(ctx context.Context, op, sql string, args ...any) ([]PendingSend, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, txFailed(op, err)
	}
	defer rows.Close()

	var out []PendingSend
	for rows.Next() {
		p := PendingSend{Key: t.key}
		var status string
		if err := rows.Scan(
			&p.ReferenceID,
			&p.Seq,
			&p.Draft.Actor,
			&p.Draft.Body,
			&p.Draft.Params,
			&status,
			&p.Attempts,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, txFailed(op, err)
		}
		p.Status = SendStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, txFailed(op, err)
	}
	return out, nil
}

func (t *pgTx) GetPending(ctx context.Context, referenceID string) (PendingSend, bool, error) {
	out, err := t.queryPending(ctx, "store.GetPending",
		`SELECT `+pendingColumns+`
		   FROM `+t.s.pending+`
		  WHERE account_id = $1 AND conversation_token = $2 AND reference_id = $3`,
		t.key.AccountID, t.key.Token, referenceID,
	)
	if err != nil || len(out) == 0 {
		return PendingSend{}, false, err
	}
	return out[0], true, nil
}

func (t *pgTx) PutPending(ctx context.Context, p PendingSend) (PendingSend, error) {
	if err := t.writable("store.PutPending"); err != nil {
		return PendingSend{}, err
	}
	if p.ReferenceID == "" {
		return PendingSend{}, invalid("store.PutPending", "missing reference id")
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Key = t.key

	if p.Seq != 0 {
		tag, err := t.tx.Exec(ctx,
			`UPDATE `+t.s.pending+`
			    SET status = $4, attempts = $5, updated_at = $6
			  WHERE account_id = $1 AND conversation_token = $2 AND reference_id = $3`,
			t.key.AccountID, t.key.Token, p.ReferenceID, string(p.Status), p.Attempts, p.UpdatedAt,
		)
		if err != nil {
			return PendingSend{}, txFailed("store.PutPending", err)
		}
		if tag.RowsAffected() == 0 {
			return PendingSend{}, OpError{Op: "store.PutPending", Kind: ErrNotFound}
		}
		return p, nil
	}

	// The advisory lock held by Update makes MAX(seq)+1 race free.
	if err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM `+t.s.pending+`
		  WHERE account_id = $1 AND conversation_token = $2`,
		t.key.AccountID, t.key.Token,
	).Scan(&p.Seq); err != nil {
		return PendingSend{}, txFailed("store.PutPending.seq", err)
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.pending+` (
		     reference_id, account_id, conversation_token, seq, actor, body, params,
		     status, attempts, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ReferenceID, t.key.AccountID, t.key.Token, p.Seq, p.Draft.Actor, p.Draft.Body, p.Draft.Params,
		string(p.Status), p.Attempts, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return PendingSend{}, OpError{Op: "store.PutPending", Kind: ErrConflict, Err: err}
		}
		return PendingSend{}, txFailed("store.PutPending", err)
	}
	return p, nil
}

func (t *pgTx) DeletePending(ctx context.Context, referenceID string) error {
	if err := t.writable("store.DeletePending"); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`DELETE FROM `+t.s.pending+`
		  WHERE account_id = $1 AND conversation_token = $2 AND reference_id = $3`,
		t.key.AccountID, t.key.Token, referenceID,
	)
	return txFailed("store.DeletePending", err)
}

func (t *pgTx) ListPending(ctx context.Context) ([]PendingSend, error) {
	return t.queryPending(ctx, "store.ListPending",
		`SELECT `+pendingColumns+`
		   FROM `+t.s.pending+`
		  WHERE account_id = $1 AND conversation_token = $2
		  ORDER BY seq ASC`,
		t.key.AccountID, t.key.Token,
	)
}

func (t *pgTx) Clear(ctx context.Context) error {
	if err := t.writable("store.Clear"); err != nil {
		return err
	}
	for _, table := range []string{t.s.messages, t.s.blocks, t.s.pending} {
		if _, err := t.tx.Exec(ctx,
			`DELETE FROM `+table+` WHERE account_id = $1 AND conversation_token = $2`,
			t.key.AccountID, t.key.Token,
		); err != nil {
			return txFailed("store.Clear", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
