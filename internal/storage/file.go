package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"msgsched/internal/job"
	"msgsched/pkg/logx"
)

// fileStore is a dependency-free durable backend.
//
// Files:
//   - <prefix>.jobs.snapshot.json (periodic snapshot, one array of jobs)
//   - <prefix>.jobs.journal.jsonl (append-only, one full record per write)
//
// The journal is compacted into the snapshot every compactEvery writes.
// Later journal lines win on replay, so a crash between the two steps is harmless.
type fileStore struct {
	*Memory

	log          logx.Logger
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (job.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	mem := NewMemory()
	if err := loadJobSnapshot(snapPath, mem.jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJobJournal(journalPath, mem.jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st := &fileStore{
		Memory:       mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}
	mem.onWrite = st.appendLocked
	log.Info("file job store opened", logx.String("path", prefix), logx.Int("jobs", len(mem.jobs)))
	return st, nil
}

// appendLocked runs with Memory.mu held.
func (s *fileStore) appendLocked(j *job.Job) error {
	if s.journal == nil {
		return errors.New("job journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(fileRecord(j)); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(j); err != nil {
			s.log.Debug("job journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a snapshot that includes pending, which is not yet in the map.
func (s *fileStore) compactLocked(pending *job.Job) error {
	all := make([]record, 0, len(s.jobs)+1)
	for id, j := range s.jobs {
		if id == pending.ID {
			continue
		}
		all = append(all, fileRecord(j))
	}
	all = append(all, fileRecord(pending))

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
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
	err := s.journal.Close()
	s.journal = nil
	return err
}

// record is the on-disk form. Job hides auth_token from JSON, the journal must keep it.
type record struct {
	*job.Job
	AuthToken string `json:"auth_token,omitempty"`
}

func fileRecord(j *job.Job) record { return record{Job: j, AuthToken: j.AuthToken} }

func (r record) toJob() *job.Job {
	j := r.Job
	j.AuthToken = r.AuthToken
	return j
}

func loadJobSnapshot(path string, out map[string]*job.Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []record
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		if r.Job != nil && r.ID != "" {
			out[r.ID] = r.toJob()
		}
	}
	return nil
}

func replayJobJournal(path string, out map[string]*job.Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Job == nil || r.ID == "" {
			// torn tail write after a crash
			continue
		}
		out[r.ID] = r.toJob()
	}
	return sc.Err()
}
