package auditlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

const (
	DefaultCSVDir = "./logs"
	csvDayLayout  = "2006-01-02"
)

var csvHeader = []string{"timestamp", "action", "details", "pnl", "positions_count", "result"}

// CSVJournal writes one human readable CSV file per local day, named guardian_YYYY-MM-DD.csv.
type CSVJournal struct {
	dir string
	loc *time.Location

	mu   sync.Mutex
	day  string
	file *os.File
	w    *csv.Writer
}

// NewCSVJournal creates a journal in dir. Day boundaries follow loc.
func NewCSVJournal(dir string, loc *time.Location) (*CSVJournal, error) {
	if dir == "" {
		dir = DefaultCSVDir
	}
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create csv journal dir")
	}
	return &CSVJournal{dir: dir, loc: loc}, nil
}

// Name identifies the journal in logs.
func (j *CSVJournal) Name() string { return "csv" }

// PathFor returns the file the entry at t is written to.
func (j *CSVJournal) PathFor(t time.Time) string {
	return filepath.Join(j.dir, fmt.Sprintf("guardian_%s.csv", t.In(j.loc).Format(csvDayLayout)))
}

// Write appends the entry to the file of its day.
func (j *CSVJournal) Write(entry domain.AuditEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotate(entry.Timestamp); err != nil {
		return err
	}

	record := []string{
		entry.Timestamp.In(j.loc).Format(time.RFC3339),
		string(entry.Action),
		details(entry),
		entry.PnL.StringFixed(2),
		strconv.Itoa(len(entry.Positions)),
		entry.Result(),
	}
	if err := j.w.Write(record); err != nil {
		return errors.Wrap(err, "write csv record")
	}
	j.w.Flush()
	return errors.Wrap(j.w.Error(), "flush csv journal")
}

// Close closes the current day file.
func (j *CSVJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeFile()
}

func (j *CSVJournal) rotate(ts time.Time) error {
	day := ts.In(j.loc).Format(csvDayLayout)
	if j.file != nil && day == j.day {
		return nil
	}
	if err := j.closeFile(); err != nil {
		return err
	}

	path := j.PathFor(ts)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open csv journal %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "stat csv journal")
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			f.Close()
			return errors.Wrap(err, "write csv header")
		}
		w.Flush()
	}

	j.day, j.file, j.w = day, f, w
	return nil
}

func (j *CSVJournal) closeFile() error {
	if j.file == nil {
		return nil
	}
	j.w.Flush()
	err := j.file.Close()
	j.file, j.w, j.day = nil, nil, ""
	return errors.Wrap(err, "close csv journal")
}

func details(entry domain.AuditEntry) string {
	var b strings.Builder
	b.WriteString(entry.Reason)
	if entry.From != entry.To {
		fmt.Fprintf(&b, " [%s -> %s]", entry.From, entry.To)
	}
	if len(entry.Positions) > 0 {
		ids := make([]string, 0, len(entry.Positions))
		for _, id := range entry.Positions {
			ids = append(ids, string(id))
		}
		fmt.Fprintf(&b, " positions=%s", strings.Join(ids, ";"))
	}
	failed := 0
	for _, o := range entry.Outcomes {
		if !o.Success {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(&b, " failed_attempts=%d", failed)
	}
	return b.String()
}
