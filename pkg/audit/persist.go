package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Persister is the durable sink behind a Trail.
type Persister interface {
	// Append durably writes one record. The trail calls this while holding
	// its own lock, so implementations see records in chain order.
	Append(record AuditRecord) error
	// Load returns all persisted records in chain order.
	Load() ([]AuditRecord, error)
	Close() error
}

// DayFileStore persists records as JSON lines, one file per UTC day. Files
// are opened append-only; nothing in this store can rewrite a line once it is
// flushed.
type DayFileStore struct {
	dir string

	mu          sync.Mutex
	currentDate string
	file        *os.File
}

// NewDayFileStore creates the directory if needed and returns the store.
func NewDayFileStore(dir string) (*DayFileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &DayFileStore{dir: dir}, nil
}

func dayFileName(date string) string {
	return "audit-" + date + ".jsonl"
}

// Append implements Persister. The target file follows the record's own date
// so replaying the files reproduces the chain even across day rollover.
func (s *DayFileStore) Append(record AuditRecord) error {
	date := record.Timestamp.UTC().Format("20060102")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil || s.currentDate != date {
		if s.file != nil {
			if err := s.file.Close(); err != nil {
				return fmt.Errorf("close day file: %w", err)
			}
		}
		path := filepath.Join(s.dir, dayFileName(date))
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("open day file: %w", err)
		}
		s.file = file
		s.currentDate = date
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Load implements Persister, reading day files in lexical (chronological)
// order.
func (s *DayFileStore) Load() ([]AuditRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".jsonl" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var records []AuditRecord
	for _, name := range names {
		fileRecords, err := s.loadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		records = append(records, fileRecords...)
	}
	return records, nil
}

func (s *DayFileStore) loadFile(path string) ([]AuditRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var records []AuditRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, lineNo, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return records, nil
}

// Close implements Persister.
func (s *DayFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.currentDate = ""
	if err != nil {
		return fmt.Errorf("close day file: %w", err)
	}
	return nil
}

// VerifyPersistedChain loads everything from p and verifies the full chain
// from genesis.
func VerifyPersistedChain(p Persister) (bool, string) {
	records, err := p.Load()
	if err != nil {
		return false, "load persisted records: " + err.Error()
	}
	return verifyChain(records, GenesisHash)
}
