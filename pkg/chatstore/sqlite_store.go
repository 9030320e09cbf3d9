package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    pinned INTEGER NOT NULL DEFAULT 0,
    parent_thread_id TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS threads_owner ON threads(owner);

CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL,
    stream_id TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    reasoning TEXT NOT NULL DEFAULT '',
    stopped INTEGER NOT NULL DEFAULT 0,
    is_searching INTEGER NOT NULL DEFAULT 0,
    search_queries_json TEXT NOT NULL DEFAULT '[]',
    attachments_json TEXT NOT NULL DEFAULT '[]',
    usage_json TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_thread ON messages(thread_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS messages_open_stream ON messages(thread_id) WHERE stream_id <> '';
CREATE INDEX IF NOT EXISTS messages_stream ON messages(stream_id) WHERE stream_id <> '';

CREATE TABLE IF NOT EXISTS search_results (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    text TEXT NOT NULL DEFAULT '',
    start_index INTEGER,
    end_index INTEGER,
    confidence REAL NOT NULL DEFAULT 0,
    uri TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS search_results_message ON search_results(message_id);

CREATE TABLE IF NOT EXISTS user_configs (
    owner TEXT PRIMARY KEY,
    current_model TEXT NOT NULL DEFAULT '',
    favorite_models_json TEXT NOT NULL DEFAULT '[]',
    updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    content_type TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS attachments_owner ON attachments(owner);

CREATE TABLE IF NOT EXISTS shares (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    owner TEXT NOT NULL,
    email TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS shares_thread ON shares(thread_id);
CREATE INDEX IF NOT EXISTS shares_email ON shares(email COLLATE NOCASE);
`

// SQLiteDSNForFile returns a WAL-mode DSN with foreign keys enabled.
func SQLiteDSNForFile(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
}

// SQLiteStore persists the chat data model in SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite chat store")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return errors.Wrap(err, "enable sqlite foreign keys")
	}
	if _, err := s.db.Exec(sqliteSchemaV1); err != nil {
		return errors.Wrap(err, "migrate sqlite chat store")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type threadRow struct {
	ID             string `db:"id"`
	Title          string `db:"title"`
	Owner          string `db:"owner"`
	Model          string `db:"model"`
	Pinned         bool   `db:"pinned"`
	ParentThreadID string `db:"parent_thread_id"`
	CreatedAtMs    int64  `db:"created_at_ms"`
	UpdatedAtMs    int64  `db:"updated_at_ms"`
}

func threadToRow(t *Thread) threadRow {
	return threadRow{
		ID:             t.ID,
		Title:          t.Title,
		Owner:          t.Owner,
		Model:          t.Model,
		Pinned:         t.Pinned,
		ParentThreadID: t.ParentThreadID,
		CreatedAtMs:    toMillis(t.CreatedAt),
		UpdatedAtMs:    toMillis(t.UpdatedAt),
	}
}

func (r threadRow) thread() *Thread {
	return &Thread{
		ID:             r.ID,
		Title:          r.Title,
		Owner:          r.Owner,
		Model:          r.Model,
		Pinned:         r.Pinned,
		ParentThreadID: r.ParentThreadID,
		CreatedAt:      fromMillis(r.CreatedAtMs),
		UpdatedAt:      fromMillis(r.UpdatedAtMs),
	}
}

type messageRow struct {
	Seq               int64  `db:"seq"`
	ID                string `db:"id"`
	ThreadID          string `db:"thread_id"`
	Role              string `db:"role"`
	Content           string `db:"content"`
	Owner             string `db:"owner"`
	StreamID          string `db:"stream_id"`
	Model             string `db:"model"`
	Reasoning         string `db:"reasoning"`
	Stopped           bool   `db:"stopped"`
	IsSearching       bool   `db:"is_searching"`
	SearchQueriesJSON string `db:"search_queries_json"`
	AttachmentsJSON   string `db:"attachments_json"`
	UsageJSON         string `db:"usage_json"`
	CreatedAtMs       int64  `db:"created_at_ms"`
}

func messageToRow(m *Message) (messageRow, error) {
	queries, err := marshalJSONColumn(m.SearchQueries)
	if err != nil {
		return messageRow{}, err
	}
	attachments, err := marshalJSONColumn(m.Attachments)
	if err != nil {
		return messageRow{}, err
	}
	usage := ""
	if m.Usage != nil {
		b, err := json.Marshal(m.Usage)
		if err != nil {
			return messageRow{}, errors.Wrap(err, "marshal usage")
		}
		usage = string(b)
	}
	return messageRow{
		Seq:               m.Seq,
		ID:                m.ID,
		ThreadID:          m.ThreadID,
		Role:              string(m.Role),
		Content:           m.Content,
		Owner:             m.Owner,
		StreamID:          m.StreamID,
		Model:             m.Model,
		Reasoning:         m.Reasoning,
		Stopped:           m.Stopped,
		IsSearching:       m.IsSearching,
		SearchQueriesJSON: queries,
		AttachmentsJSON:   attachments,
		UsageJSON:         usage,
		CreatedAtMs:       toMillis(m.CreatedAt),
	}, nil
}

func (r messageRow) message() (*Message, error) {
	m := &Message{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		Seq:         r.Seq,
		Role:        Role(r.Role),
		Content:     r.Content,
		Owner:       r.Owner,
		StreamID:    r.StreamID,
		Model:       r.Model,
		Reasoning:   r.Reasoning,
		Stopped:     r.Stopped,
		IsSearching: r.IsSearching,
		CreatedAt:   fromMillis(r.CreatedAtMs),
	}
	if err := unmarshalJSONColumn(r.SearchQueriesJSON, &m.SearchQueries); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(r.AttachmentsJSON, &m.Attachments); err != nil {
		return nil, err
	}
	if r.UsageJSON != "" {
		m.Usage = &Usage{}
		if err := json.Unmarshal([]byte(r.UsageJSON), m.Usage); err != nil {
			return nil, errors.Wrapf(err, "decode usage of message %s", r.ID)
		}
	}
	return m, nil
}

type searchResultRow struct {
	ID         string        `db:"id"`
	MessageID  string        `db:"message_id"`
	Text       string        `db:"text"`
	StartIndex sql.NullInt64 `db:"start_index"`
	EndIndex   sql.NullInt64 `db:"end_index"`
	Confidence float64       `db:"confidence"`
	URI        string        `db:"uri"`
	Title      string        `db:"title"`
}

func searchResultToRow(r *SearchResult) searchResultRow {
	ret := searchResultRow{
		ID:         r.ID,
		MessageID:  r.MessageID,
		Text:       r.Text,
		Confidence: r.Confidence,
		URI:        r.URI,
		Title:      r.Title,
	}
	if r.StartIndex != nil {
		ret.StartIndex = sql.NullInt64{Int64: int64(*r.StartIndex), Valid: true}
	}
	if r.EndIndex != nil {
		ret.EndIndex = sql.NullInt64{Int64: int64(*r.EndIndex), Valid: true}
	}
	return ret
}

func (r searchResultRow) result() *SearchResult {
	ret := &SearchResult{
		ID:         r.ID,
		MessageID:  r.MessageID,
		Text:       r.Text,
		Confidence: r.Confidence,
		URI:        r.URI,
		Title:      r.Title,
	}
	if r.StartIndex.Valid {
		v := int(r.StartIndex.Int64)
		ret.StartIndex = &v
	}
	if r.EndIndex.Valid {
		v := int(r.EndIndex.Int64)
		ret.EndIndex = &v
	}
	return ret
}

const (
	insertThreadSQL = `INSERT INTO threads (id, title, owner, model, pinned, parent_thread_id, created_at_ms, updated_at_ms)
VALUES (:id, :title, :owner, :model, :pinned, :parent_thread_id, :created_at_ms, :updated_at_ms)`
	insertMessageSQL = `INSERT INTO messages (id, thread_id, role, content, owner, stream_id, model, reasoning, stopped,
    is_searching, search_queries_json, attachments_json, usage_json, created_at_ms)
VALUES (:id, :thread_id, :role, :content, :owner, :stream_id, :model, :reasoning, :stopped,
    :is_searching, :search_queries_json, :attachments_json, :usage_json, :created_at_ms)`
	insertSearchResultSQL = `INSERT INTO search_results (id, message_id, text, start_index, end_index, confidence, uri, title)
VALUES (:id, :message_id, :text, :start_index, :end_index, :confidence, :uri, :title)`
)

func (s *SQLiteStore) CreateThread(ctx context.Context, t *Thread) error {
	_, err := s.db.NamedExecContext(ctx, insertThreadSQL, threadToRow(t))
	return errors.Wrap(err, "insert thread")
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM threads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select thread")
	}
	return row.thread(), nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, owner string) ([]*Thread, error) {
	rows := []threadRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM threads WHERE owner = ? ORDER BY pinned DESC, updated_at_ms DESC, id ASC`, owner)
	if err != nil {
		return nil, errors.Wrap(err, "select threads")
	}
	out := make([]*Thread, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.thread())
	}
	return out, nil
}

func (s *SQLiteStore) PatchThread(ctx context.Context, id string, p ThreadPatch) (*Thread, error) {
	sets := []string{}
	args := []interface{}{}
	if p.Title != nil {
		if p.TitleIfEmpty {
			sets = append(sets, `title = CASE WHEN title = '' THEN ? ELSE title END`)
		} else {
			sets = append(sets, `title = ?`)
		}
		args = append(args, *p.Title)
	}
	if p.Model != nil {
		sets = append(sets, `model = ?`)
		args = append(args, *p.Model)
	}
	if p.Pinned != nil {
		sets = append(sets, `pinned = ?`)
		args = append(args, *p.Pinned)
	}
	if p.TogglePinned {
		sets = append(sets, `pinned = NOT pinned`)
	}
	if !p.UpdatedAt.IsZero() {
		sets = append(sets, `updated_at_ms = ?`)
		args = append(args, toMillis(p.UpdatedAt))
	}

	var row threadRow
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if len(sets) > 0 {
			res, err := tx.ExecContext(ctx,
				`UPDATE threads SET `+strings.Join(sets, ", ")+` WHERE id = ?`, append(args, id)...)
			if err != nil {
				return errors.Wrap(err, "update thread")
			}
			if err := expectOneRow(res, ErrThreadNotFound); err != nil {
				return err
			}
		}
		err := tx.GetContext(ctx, &row, `SELECT * FROM threads WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrThreadNotFound
		}
		return errors.Wrap(err, "select thread")
	})
	if err != nil {
		return nil, err
	}
	return row.thread(), nil
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM search_results WHERE message_id IN (SELECT id FROM messages WHERE thread_id = ?)`, id); err != nil {
			return errors.Wrap(err, "delete search results")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
			return errors.Wrap(err, "delete messages")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM shares WHERE thread_id = ?`, id); err != nil {
			return errors.Wrap(err, "delete shares")
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "delete thread")
		}
		return expectOneRow(res, ErrThreadNotFound)
	})
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, m *Message) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM threads WHERE id = ?`, m.ThreadID); err != nil {
			return errors.Wrap(err, "check thread")
		}
		if n == 0 {
			return ErrThreadNotFound
		}
		if m.HasOpenStream() {
			if err := checkNoOpenStream(ctx, tx, m.ThreadID, nil); err != nil {
				return err
			}
		}
		return insertMessageTx(ctx, tx, m)
	})
}

func insertMessageTx(ctx context.Context, tx *sqlx.Tx, m *Message) error {
	row, err := messageToRow(m)
	if err != nil {
		return err
	}
	res, err := tx.NamedExecContext(ctx, insertMessageSQL, row)
	if err != nil {
		return errors.Wrap(err, "insert message")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "read message seq")
	}
	m.Seq = seq
	return nil
}

func checkNoOpenStream(ctx context.Context, tx *sqlx.Tx, threadID string, except []string) error {
	query := `SELECT id FROM messages WHERE thread_id = ? AND stream_id <> ''`
	args := []interface{}{threadID}
	if len(except) > 0 {
		q, a, err := sqlx.In(query+` AND id NOT IN (?)`, threadID, except)
		if err != nil {
			return errors.Wrap(err, "expand open stream query")
		}
		query, args = tx.Rebind(q), a
	}
	var ids []string
	if err := tx.SelectContext(ctx, &ids, query, args...); err != nil {
		return errors.Wrap(err, "check open stream")
	}
	if len(ids) > 0 {
		return &StreamInFlightError{ThreadID: threadID, MessageID: ids[0]}
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.getMessage(ctx, `SELECT * FROM messages WHERE id = ?`, id)
}

func (s *SQLiteStore) GetMessageByStream(ctx context.Context, streamID string) (*Message, error) {
	if streamID == "" {
		return nil, ErrMessageNotFound
	}
	return s.getMessage(ctx, `SELECT * FROM messages WHERE stream_id = ?`, streamID)
}

func (s *SQLiteStore) getMessage(ctx context.Context, query string, arg string) (*Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select message")
	}
	return row.message()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	rows := []messageRow{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM messages WHERE thread_id = ? ORDER BY seq ASC`, threadID); err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	out := make([]*Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLiteStore) ListSearchResults(ctx context.Context, messageID string) ([]*SearchResult, error) {
	rows := []searchResultRow{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM search_results WHERE message_id = ? ORDER BY id ASC`, messageID); err != nil {
		return nil, errors.Wrap(err, "select search results")
	}
	out := make([]*SearchResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.result())
	}
	return out, nil
}

func (s *SQLiteStore) RewriteTail(ctx context.Context, rw RewriteTail) ([]string, error) {
	released := []string{}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current struct {
			Seq      int64  `db:"seq"`
			StreamID string `db:"stream_id"`
		}
		err := tx.GetContext(ctx, &current,
			`SELECT seq, stream_id FROM messages WHERE id = ? AND thread_id = ?`, rw.Anchor.ID, rw.ThreadID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return errors.Wrap(err, "select anchor message")
		}
		if current.StreamID != "" && current.StreamID != rw.Anchor.StreamID {
			released = append(released, current.StreamID)
		}

		var tailStreams []string
		if err := tx.SelectContext(ctx, &tailStreams,
			`SELECT stream_id FROM messages WHERE thread_id = ? AND seq > ? AND stream_id <> ''`,
			rw.ThreadID, current.Seq); err != nil {
			return errors.Wrap(err, "select tail streams")
		}
		released = append(released, tailStreams...)

		if _, err := tx.ExecContext(ctx, `DELETE FROM search_results WHERE message_id IN
    (SELECT id FROM messages WHERE thread_id = ? AND seq > ?)`, rw.ThreadID, current.Seq); err != nil {
			return errors.Wrap(err, "delete search results")
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE thread_id = ? AND seq > ?`, rw.ThreadID, current.Seq); err != nil {
			return errors.Wrap(err, "delete messages")
		}
		if rw.Anchor.HasOpenStream() {
			if err := checkNoOpenStream(ctx, tx, rw.ThreadID, []string{rw.Anchor.ID}); err != nil {
				return err
			}
		}
		row, err := messageToRow(rw.Anchor)
		if err != nil {
			return err
		}
		res, err := tx.NamedExecContext(ctx, `UPDATE messages SET content = :content, stream_id = :stream_id,
    model = :model, is_searching = :is_searching, attachments_json = :attachments_json
    WHERE id = :id AND thread_id = :thread_id`, row)
		if err != nil {
			return errors.Wrap(err, "update anchor message")
		}
		if err := expectOneRow(res, ErrMessageNotFound); err != nil {
			return err
		}
		if rw.ThreadModel != "" {
			res, err := tx.ExecContext(ctx, `UPDATE threads SET model = ? WHERE id = ?`, rw.ThreadModel, rw.ThreadID)
			if err != nil {
				return errors.Wrap(err, "update thread model")
			}
			return expectOneRow(res, ErrThreadNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (s *SQLiteStore) CompleteStream(ctx context.Context, c Completion) (bool, error) {
	if c.StreamID == "" {
		return false, nil
	}
	won := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET stream_id = '' WHERE id = ? AND stream_id = ?`, c.UserMessageID, c.StreamID)
		if err != nil {
			return errors.Wrap(err, "close open stream")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "close open stream")
		}
		if n == 0 {
			return nil
		}
		won = true
		if c.Assistant == nil {
			return nil
		}
		if err := insertMessageTx(ctx, tx, c.Assistant); err != nil {
			return err
		}
		for _, r := range c.Results {
			row := searchResultToRow(r)
			row.MessageID = c.Assistant.ID
			if _, err := tx.NamedExecContext(ctx, insertSearchResultSQL, row); err != nil {
				return errors.Wrap(err, "insert search result")
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *SQLiteStore) CloneThread(ctx context.Context, b Branch) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertThreadSQL, threadToRow(b.Thread)); err != nil {
			return errors.Wrap(err, "insert branch thread")
		}
		for _, m := range b.Messages {
			if err := insertMessageTx(ctx, tx, m); err != nil {
				return err
			}
		}
		for _, r := range b.Results {
			if _, err := tx.NamedExecContext(ctx, insertSearchResultSQL, searchResultToRow(r)); err != nil {
				return errors.Wrap(err, "insert branch search result")
			}
		}
		return nil
	})
}

type userConfigRow struct {
	Owner              string `db:"owner"`
	CurrentModel       string `db:"current_model"`
	FavoriteModelsJSON string `db:"favorite_models_json"`
	UpdatedAtMs        int64  `db:"updated_at_ms"`
}

func (s *SQLiteStore) GetUserConfig(ctx context.Context, owner string) (*UserConfig, error) {
	var row userConfigRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM user_configs WHERE owner = ?`, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserConfigNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select user config")
	}
	c := &UserConfig{Owner: row.Owner, CurrentModel: row.CurrentModel, UpdatedAt: fromMillis(row.UpdatedAtMs)}
	if err := unmarshalJSONColumn(row.FavoriteModelsJSON, &c.FavoriteModels); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) PutUserConfig(ctx context.Context, c *UserConfig) error {
	favorites, err := marshalJSONColumn(c.FavoriteModels)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO user_configs (owner, current_model, favorite_models_json, updated_at_ms)
VALUES (:owner, :current_model, :favorite_models_json, :updated_at_ms)
ON CONFLICT(owner) DO UPDATE SET current_model = excluded.current_model,
    favorite_models_json = excluded.favorite_models_json, updated_at_ms = excluded.updated_at_ms`,
		userConfigRow{
			Owner:              c.Owner,
			CurrentModel:       c.CurrentModel,
			FavoriteModelsJSON: favorites,
			UpdatedAtMs:        toMillis(c.UpdatedAt),
		})
	return errors.Wrap(err, "upsert user config")
}

type attachmentRow struct {
	ID          string `db:"id"`
	Owner       string `db:"owner"`
	Name        string `db:"name"`
	Size        int64  `db:"size"`
	ContentType string `db:"content_type"`
	CreatedAtMs int64  `db:"created_at_ms"`
}

func (r attachmentRow) attachment() *Attachment {
	return &Attachment{
		ID:          r.ID,
		Owner:       r.Owner,
		Name:        r.Name,
		Size:        r.Size,
		ContentType: r.ContentType,
		CreatedAt:   fromMillis(r.CreatedAtMs),
	}
}

func (s *SQLiteStore) PutAttachment(ctx context.Context, a *Attachment) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO attachments (id, owner, name, size, content_type, created_at_ms)
VALUES (:id, :owner, :name, :size, :content_type, :created_at_ms)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, size = excluded.size, content_type = excluded.content_type`,
		attachmentRow{
			ID:          a.ID,
			Owner:       a.Owner,
			Name:        a.Name,
			Size:        a.Size,
			ContentType: a.ContentType,
			CreatedAtMs: toMillis(a.CreatedAt),
		})
	return errors.Wrap(err, "upsert attachment")
}

func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	var row attachmentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM attachments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select attachment")
	}
	return row.attachment(), nil
}

func (s *SQLiteStore) ListAttachments(ctx context.Context, owner string) ([]*Attachment, error) {
	rows := []attachmentRow{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM attachments WHERE owner = ? ORDER BY created_at_ms DESC`, owner); err != nil {
		return nil, errors.Wrap(err, "select attachments")
	}
	out := make([]*Attachment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.attachment())
	}
	return out, nil
}

func (s *SQLiteStore) DeleteAttachment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete attachment")
	}
	return expectOneRow(res, ErrAttachmentNotFound)
}

type shareRow struct {
	ID          string `db:"id"`
	ThreadID    string `db:"thread_id"`
	Owner       string `db:"owner"`
	Email       string `db:"email"`
	Message     string `db:"message"`
	CreatedAtMs int64  `db:"created_at_ms"`
}

func (r shareRow) share() *Share {
	return &Share{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Owner:     r.Owner,
		Email:     r.Email,
		Message:   r.Message,
		CreatedAt: fromMillis(r.CreatedAtMs),
	}
}

func (s *SQLiteStore) PutShare(ctx context.Context, sh *Share) error {
	if _, err := s.GetThread(ctx, sh.ThreadID); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO shares (id, thread_id, owner, email, message, created_at_ms)
VALUES (:id, :thread_id, :owner, :email, :message, :created_at_ms)
ON CONFLICT(id) DO UPDATE SET email = excluded.email, message = excluded.message`,
		shareRow{
			ID:          sh.ID,
			ThreadID:    sh.ThreadID,
			Owner:       sh.Owner,
			Email:       sh.Email,
			Message:     sh.Message,
			CreatedAtMs: toMillis(sh.CreatedAt),
		})
	return errors.Wrap(err, "upsert share")
}

func (s *SQLiteStore) GetShare(ctx context.Context, id string) (*Share, error) {
	var row shareRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM shares WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select share")
	}
	return row.share(), nil
}

func (s *SQLiteStore) ListShares(ctx context.Context, threadID string) ([]*Share, error) {
	return s.listShares(ctx, `SELECT * FROM shares WHERE thread_id = ? ORDER BY created_at_ms ASC`, threadID)
}

func (s *SQLiteStore) ListSharesForEmail(ctx context.Context, email string) ([]*Share, error) {
	return s.listShares(ctx, `SELECT * FROM shares WHERE email = ? COLLATE NOCASE ORDER BY created_at_ms ASC`, email)
}

func (s *SQLiteStore) listShares(ctx context.Context, query string, arg string) ([]*Share, error) {
	rows := []shareRow{}
	if err := s.db.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, errors.Wrap(err, "select shares")
	}
	out := make([]*Share, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.share())
	}
	return out, nil
}

func (s *SQLiteStore) DeleteShare(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete share")
	}
	return expectOneRow(res, ErrShareNotFound)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func marshalJSONColumn(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshal json column")
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

func unmarshalJSONColumn(s string, v interface{}) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" || s == "null" {
		return nil
	}
	return errors.Wrap(json.Unmarshal([]byte(s), v), "decode json column")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
