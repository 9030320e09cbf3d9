package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a thread-safe Store kept entirely in process memory.
// Every record handed out is a copy.
type MemoryStore struct {
	mu          sync.RWMutex
	threads     map[string]*Thread
	messages    map[string]*Message
	results     map[string]*SearchResult
	configs     map[string]*UserConfig
	attachments map[string]*Attachment
	shares      map[string]*Share
	seq         int64
	closed      bool
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:     map[string]*Thread{},
		messages:    map[string]*Message{},
		results:     map[string]*SearchResult{},
		configs:     map[string]*UserConfig{},
		attachments: map[string]*Attachment{},
		shares:      map[string]*Share{},
	}
}

func (s *MemoryStore) ensureOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) CreateThread(_ context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.threads[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListThreads(_ context.Context, owner string) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out := []*Thread{}
	for _, t := range s.threads {
		if t.Owner == owner {
			out = append(out, t.Clone())
		}
	}
	SortThreads(out)
	return out, nil
}

// SortThreads orders pinned threads first, then the most recently updated.
func SortThreads(threads []*Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].Pinned != threads[j].Pinned {
			return threads[i].Pinned
		}
		if !threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
		}
		return threads[i].ID < threads[j].ID
	})
}

func (s *MemoryStore) PatchThread(_ context.Context, id string, p ThreadPatch) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	if p.Title != nil && (!p.TitleIfEmpty || t.Title == "") {
		t.Title = *p.Title
	}
	if p.Model != nil {
		t.Model = *p.Model
	}
	if p.Pinned != nil {
		t.Pinned = *p.Pinned
	}
	if p.TogglePinned {
		t.Pinned = !t.Pinned
	}
	if !p.UpdatedAt.IsZero() {
		t.UpdatedAt = p.UpdatedAt
	}
	return t.Clone(), nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.threads[id]; !ok {
		return ErrThreadNotFound
	}
	for mid, m := range s.messages {
		if m.ThreadID == id {
			s.deleteMessageLocked(mid)
		}
	}
	for sid, sh := range s.shares {
		if sh.ThreadID == id {
			delete(s.shares, sid)
		}
	}
	delete(s.threads, id)
	return nil
}

func (s *MemoryStore) deleteMessageLocked(id string) {
	for rid, r := range s.results {
		if r.MessageID == id {
			delete(s.results, rid)
		}
	}
	delete(s.messages, id)
}

func (s *MemoryStore) openStreamLocked(threadID string, except map[string]bool) *Message {
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.HasOpenStream() && !except[m.ID] {
			return m
		}
	}
	return nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.threads[m.ThreadID]; !ok {
		return ErrThreadNotFound
	}
	if m.HasOpenStream() {
		if open := s.openStreamLocked(m.ThreadID, nil); open != nil {
			return &StreamInFlightError{ThreadID: m.ThreadID, MessageID: open.ID}
		}
	}
	s.insertMessageLocked(m)
	return nil
}

func (s *MemoryStore) insertMessageLocked(m *Message) {
	s.seq++
	m.Seq = s.seq
	s.messages[m.ID] = m.Clone()
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetMessageByStream(_ context.Context, streamID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, ErrMessageNotFound
	}
	for _, m := range s.messages {
		if m.StreamID == streamID {
			return m.Clone(), nil
		}
	}
	return nil, ErrMessageNotFound
}

func (s *MemoryStore) ListMessages(_ context.Context, threadID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}
	out := []*Message{}
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) ListSearchResults(_ context.Context, messageID string) ([]*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out := []*SearchResult{}
	for _, r := range s.results {
		if r.MessageID == messageID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) RewriteTail(_ context.Context, rw RewriteTail) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	t, ok := s.threads[rw.ThreadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	current, ok := s.messages[rw.Anchor.ID]
	if !ok || current.ThreadID != rw.ThreadID {
		return nil, ErrMessageNotFound
	}

	released := []string{}
	if current.HasOpenStream() && current.StreamID != rw.Anchor.StreamID {
		released = append(released, current.StreamID)
	}
	tail := []string{}
	for id, m := range s.messages {
		if m.ThreadID == rw.ThreadID && m.Seq > current.Seq {
			tail = append(tail, id)
			if m.HasOpenStream() {
				released = append(released, m.StreamID)
			}
		}
	}
	if rw.Anchor.HasOpenStream() {
		skip := map[string]bool{current.ID: true}
		for _, id := range tail {
			skip[id] = true
		}
		if open := s.openStreamLocked(rw.ThreadID, skip); open != nil {
			return nil, &StreamInFlightError{ThreadID: rw.ThreadID, MessageID: open.ID}
		}
	}
	for _, id := range tail {
		s.deleteMessageLocked(id)
	}

	anchor := rw.Anchor.Clone()
	anchor.Seq = current.Seq
	s.messages[anchor.ID] = anchor
	if rw.ThreadModel != "" {
		t.Model = rw.ThreadModel
	}
	return released, nil
}

func (s *MemoryStore) CompleteStream(_ context.Context, c Completion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	m, ok := s.messages[c.UserMessageID]
	if !ok || c.StreamID == "" || m.StreamID != c.StreamID {
		return false, nil
	}
	m.StreamID = ""
	if c.Assistant != nil {
		s.insertMessageLocked(c.Assistant)
		for _, r := range c.Results {
			r = r.Clone()
			r.MessageID = c.Assistant.ID
			s.results[r.ID] = r
		}
	}
	return true, nil
}

func (s *MemoryStore) CloneThread(_ context.Context, b Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.threads[b.Thread.ID] = b.Thread.Clone()
	for _, m := range b.Messages {
		s.insertMessageLocked(m)
	}
	for _, r := range b.Results {
		s.results[r.ID] = r.Clone()
	}
	return nil
}

func (s *MemoryStore) GetUserConfig(_ context.Context, owner string) (*UserConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, ok := s.configs[owner]
	if !ok {
		return nil, ErrUserConfigNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) PutUserConfig(_ context.Context, c *UserConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.configs[c.Owner] = c.Clone()
	return nil
}

func (s *MemoryStore) PutAttachment(_ context.Context, a *Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	cp := *a
	s.attachments[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAttachment(_ context.Context, id string) (*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	a, ok := s.attachments[id]
	if !ok {
		return nil, ErrAttachmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAttachments(_ context.Context, owner string) ([]*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out := []*Attachment{}
	for _, a := range s.attachments {
		if a.Owner == owner {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteAttachment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.attachments[id]; !ok {
		return ErrAttachmentNotFound
	}
	delete(s.attachments, id)
	return nil
}

func (s *MemoryStore) PutShare(_ context.Context, sh *Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.threads[sh.ThreadID]; !ok {
		return ErrThreadNotFound
	}
	cp := *sh
	s.shares[sh.ID] = &cp
	return nil
}

func (s *MemoryStore) GetShare(_ context.Context, id string) (*Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	sh, ok := s.shares[id]
	if !ok {
		return nil, ErrShareNotFound
	}
	cp := *sh
	return &cp, nil
}

func (s *MemoryStore) ListShares(_ context.Context, threadID string) ([]*Share, error) {
	return s.listShares(func(sh *Share) bool { return sh.ThreadID == threadID })
}

func (s *MemoryStore) ListSharesForEmail(_ context.Context, email string) ([]*Share, error) {
	return s.listShares(func(sh *Share) bool { return strings.EqualFold(sh.Email, email) })
}

func (s *MemoryStore) listShares(match func(*Share) bool) ([]*Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out := []*Share{}
	for _, sh := range s.shares {
		if match(sh) {
			cp := *sh
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteShare(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.shares[id]; !ok {
		return ErrShareNotFound
	}
	delete(s.shares, id)
	return nil
}
