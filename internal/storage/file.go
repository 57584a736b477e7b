package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"factbot/pkg/logx"
)

// fileStore keeps every record in memory and persists through:
//   - <prefix>.state.json        snapshot of all records
//   - <prefix>.journal.jsonl     put/delete operations since the snapshot
//   - <prefix>.deliveries.jsonl  append-only delivery log
//
// Every journal append is fsynced before the call returns.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	states       map[string]RecipientState
	snapshotPath string
	journal      *os.File
	deliveries   *os.File
	writes       int
	compactEvery int
}

type journalOp struct {
	Op    string          `json:"op"`
	ID    string          `json:"id"`
	State *RecipientState `json:"state,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/factbot"
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	s := &fileStore{
		log:          log,
		states:       map[string]RecipientState{},
		snapshotPath: prefix + ".state.json",
		compactEvery: 200,
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil {
		return nil, err
	}

	var err error
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.deliveries, err = os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.journal.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("recipients", len(s.states)))
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []RecipientState
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, st := range list {
		st.normalize()
		s.states[st.RecipientID] = st
	}
	return nil
}

// replay applies journal lines on top of the snapshot. A torn last line
// from a crash mid-write is skipped.
func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			s.log.Warn("skipping unreadable journal line", logx.Err(err))
			continue
		}
		switch op.Op {
		case "put":
			if op.State != nil {
				op.State.normalize()
				s.states[op.ID] = *op.State
			}
		case "delete":
			delete(s.states, op.ID)
		}
	}
	return sc.Err()
}

func (s *fileStore) GetState(_ context.Context, id string) (RecipientState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return RecipientState{}, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *fileStore) PutState(_ context.Context, st RecipientState) error {
	st = st.Clone()
	st.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "put", ID: st.RecipientID, State: &st}); err != nil {
		return err
	}
	s.states[st.RecipientID] = st
	return nil
}

func (s *fileStore) DeleteState(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "delete", ID: id}); err != nil {
		return err
	}
	delete(s.states, id)
	return nil
}

func (s *fileStore) ListStates(_ context.Context) ([]RecipientState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecipientState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

func (s *fileStore) AppendDelivery(_ context.Context, rec DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.deliveries).Encode(rec)
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked rewrites the snapshot atomically, then truncates the
// journal. A crash in between only replays puts that are already in the
// snapshot.
func (s *fileStore) compactLocked() error {
	list := make([]RecipientState, 0, len(s.states))
	for _, st := range s.states {
		list = append(list, st)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RecipientID < list[j].RecipientID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.deliveries != nil {
		errs = append(errs, s.deliveries.Close())
		s.deliveries = nil
	}
	return errors.Join(errs...)
}
