package baseline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store owns the per-pid, per-syscall Welford statistics for the lifetime of
// a monitoring run. It is accessed only from the controller's single
// processing goroutine during steady-state scraping, so it carries no
// internal locking on that hot path; the mutex below guards the profile map
// and learning state for the save paths (the controller's periodic save from
// its scrape tick and the final SaveAll made by Shutdown).
type Store struct {
	mu sync.Mutex

	profiles map[uint32]map[uint32]*Stats

	learning      bool
	learningEnds  time.Time
	learningFixed bool // true once learning has ended and been fixed for good
}

// New creates a Store. If noLearning is true, the store starts in
// steady-state (detection) mode immediately.
func New(learningPeriod time.Duration, noLearning bool) *Store {
	s := &Store{
		profiles: make(map[uint32]map[uint32]*Stats),
	}
	if noLearning {
		s.learningFixed = true
		return s
	}
	s.learning = true
	s.learningEnds = time.Now().Add(learningPeriod)
	return s
}

// IsLearning reports whether the store is still in its learning window. Once
// the window closes it never reopens for the lifetime of the process.
func (s *Store) IsLearning(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.learningFixed {
		return false
	}
	if s.learning && now.After(s.learningEnds) {
		s.learning = false
		s.learningFixed = true
	}
	return s.learning
}

// Update folds value into the (pid, syscallNr) profile, creating it if this
// is the first observation for that pair.
func (s *Store) Update(pid, syscallNr uint32, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perSyscall, ok := s.profiles[pid]
	if !ok {
		perSyscall = make(map[uint32]*Stats)
		s.profiles[pid] = perSyscall
	}
	st, ok := perSyscall[syscallNr]
	if !ok {
		st = &Stats{}
		perSyscall[syscallNr] = st
	}
	st.Update(value)
}

// Get returns a copy of the (pid, syscallNr) profile and whether it exists.
func (s *Store) Get(pid, syscallNr uint32) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perSyscall, ok := s.profiles[pid]
	if !ok {
		return Stats{}, false
	}
	st, ok := perSyscall[syscallNr]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

// Forget drops all profiles for pid, called when the controller observes the
// process has exited so memory does not grow unbounded over a long run.
func (s *Store) Forget(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, pid)
}

// fileRecord is the on-disk shape of one (pid, syscall_nr) entry, one array
// of these per pid file.
type fileRecord struct {
	PID         uint32  `json:"pid"`
	SyscallNr   uint32  `json:"syscall_nr"`
	Count       uint64  `json:"count"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stddev"`
	Min         uint64  `json:"min"`
	Max         uint64  `json:"max"`
	LastUpdated int64   `json:"last_updated"`
}

func pidFilePath(dir string, pid uint32) string {
	return filepath.Join(dir, strconv.FormatUint(uint64(pid), 10)+".json")
}

// SaveForPid writes pid's profiles to <dir>/<pid>.json, truncating and
// rewriting the whole file. Individual pid files are small and regenerated
// wholesale on every save, so a plain truncate-write is sufficient; there is
// no partial-file state worth protecting with a rename-based swap.
func (s *Store) SaveForPid(dir string, pid uint32) error {
	s.mu.Lock()
	perSyscall, ok := s.profiles[pid]
	records := make([]fileRecord, 0, len(perSyscall))
	now := time.Now().Unix()
	if ok {
		for nr, st := range perSyscall {
			records = append(records, fileRecord{
				PID: pid, SyscallNr: nr,
				Count: st.Count, Mean: st.Mean, StdDev: st.StdDev(),
				Min: st.Min, Max: st.Max, LastUpdated: now,
			})
		}
	}
	s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("baseline: create baseline dir %q: %w", dir, err)
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("baseline: marshal pid %d: %w", pid, err)
	}
	if err := os.WriteFile(pidFilePath(dir, pid), data, 0o644); err != nil {
		return fmt.Errorf("baseline: write pid %d: %w", pid, err)
	}
	return nil
}

// SaveAll writes every tracked pid's profile to its own file under dir. A
// failure saving one pid is logged by the caller and does not prevent the
// others from saving; SaveAll returns the first such error.
func (s *Store) SaveAll(dir string) error {
	s.mu.Lock()
	pids := make([]uint32, 0, len(s.profiles))
	for pid := range s.profiles {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	var firstErr error
	for _, pid := range pids {
		if err := s.SaveForPid(dir, pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadAll scans dir for <pid>.json files and populates the store from them,
// returning the number of pids successfully loaded. A malformed or
// unreadable file is skipped (that pid only); a missing directory is not an
// error since it means this is the first run.
func (s *Store) LoadAll(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("baseline: read baseline dir %q: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		pidStr := strings.TrimSuffix(entry.Name(), ".json")
		pid64, err := strconv.ParseUint(pidStr, 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var records []fileRecord
		if err := json.Unmarshal(data, &records); err != nil {
			continue
		}

		perSyscall := make(map[uint32]*Stats, len(records))
		for _, r := range records {
			m2 := 0.0
			if r.Count > 1 {
				m2 = r.StdDev * r.StdDev * float64(r.Count-1)
			}
			perSyscall[r.SyscallNr] = &Stats{
				Count: r.Count, Mean: r.Mean, M2: m2, Min: r.Min, Max: r.Max,
			}
		}
		s.profiles[pid] = perSyscall
		loaded++
	}
	return loaded, nil
}
