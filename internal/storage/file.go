package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/domain"
	logx "chanrelay/pkg/logx"
)

const (
	opPutJob         = "job.put"
	opDeleteJob      = "job.delete"
	opResetJob       = "job.reset"
	opAddForward     = "forward.add"
	opDeleteForwards = "forward.delete"
	opPutState       = "state.put"
	opClearState     = "state.clear"
)

// journalOp is one mutation. The file driver writes it as a JSON line before
// applying it, and replays the journal on open.
type journalOp struct {
	Op      string                `json:"op"`
	Job     *domain.Job           `json:"job,omitempty"`
	JobID   string                `json:"job_id,omitempty"`
	Cursor  int64                 `json:"cursor,omitempty"`
	At      time.Time             `json:"at,omitzero"`
	Forward *domain.ForwardRecord `json:"forward,omitempty"`
	DestIDs []int64               `json:"dest_ids,omitempty"`
	Owner   int64                 `json:"owner,omitempty"`
	State   []byte                `json:"state,omitempty"`
}

type fileSnapshot struct {
	Jobs     []*domain.Job          `json:"jobs"`
	Forwards []domain.ForwardRecord `json:"forwards"`
	States   map[int64][]byte       `json:"states,omitempty"`
}

// fileStore is the dependency-free persistent driver.
//
// Files:
//   - <prefix>.snapshot.json (full state, replaced atomically)
//   - <prefix>.journal.jsonl (mutations since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	*memoryStore

	log          logx.Logger
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	mem := newMemoryStore()
	fs := &fileStore{
		memoryStore:  mem,
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 1000,
	}
	if err := fs.loadSnapshot(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load snapshot")
	}
	journalPath := prefix + ".journal.jsonl"
	if err := fs.replay(journalPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "replay journal")
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	fs.journal = jf
	mem.persist = fs.appendJournal
	return fs, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, j := range snap.Jobs {
		if j != nil {
			s.jobs[j.ID] = j
		}
	}
	for _, r := range snap.Forwards {
		s.forwards[r.JobID] = append(s.forwards[r.JobID], r)
	}
	for owner, st := range snap.States {
		s.states[owner] = st
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn final line after a crash is expected; skip it.
			s.log.Warn("skipping unreadable journal line", logx.Int("line", n+1), logx.Err(err))
			continue
		}
		s.apply(op)
		n++
	}
	return sc.Err()
}

// appendJournal runs under memoryStore.mu.
func (s *fileStore) appendJournal(op journalOp) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return errors.Wrap(err, "append journal")
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Compact after the caller applied this op; the op is already durable.
		defer func() {
			go s.compact()
		}()
	}
	return nil
}

func (s *fileStore) compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.compactLocked(); err != nil {
		s.log.Warn("storage compaction failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return nil
	}
	snap := fileSnapshot{States: s.states}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	sortJobs(snap.Jobs)
	for _, recs := range s.forwards {
		snap.Forwards = append(snap.Forwards, recs...)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
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
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	cerr := s.journal.Close()
	s.journal = nil
	if err != nil {
		return errors.Wrap(err, "compact on close")
	}
	return cerr
}
