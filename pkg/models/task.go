package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Gap is one uncovered sub-range for one instrument
type Gap struct {
	Code  string
	Start time.Time
	End   time.Time
}

// Range returns the gap's dates
func (g Gap) Range() DateRange { return DateRange{Start: g.Start, End: g.End} }

// DownloadTask is one request against a source. It carries more than one code
// only when they share the range and the source accepts multi-code requests.
type DownloadTask struct {
	Codes []string
	Start time.Time
	End   time.Time
}

// Range returns the task's dates
func (t DownloadTask) Range() DateRange { return DateRange{Start: t.Start, End: t.End} }

// CodesLabel is a short form of the code list for logs and file names
func (t DownloadTask) CodesLabel() string {
	const shown = 3
	if len(t.Codes) <= shown {
		return strings.Join(t.Codes, ",")
	}
	return fmt.Sprintf("%s,...(+%d)", strings.Join(t.Codes[:shown], ","), len(t.Codes)-shown)
}

func (t DownloadTask) String() string {
	return fmt.Sprintf("[%s] %s-%s", t.CodesLabel(), FormatDate(t.Start), FormatDate(t.End))
}

// MarshalJSON writes the ledger triple [codes, start, end]
func (t DownloadTask) MarshalJSON() ([]byte, error) {
	codes := t.Codes
	if codes == nil {
		codes = []string{}
	}
	return json.Marshal([]interface{}{codes, FormatDate(t.Start), FormatDate(t.End)})
}

func (t *DownloadTask) UnmarshalJSON(b []byte) error {
	var triple []json.RawMessage
	if err := json.Unmarshal(b, &triple); err != nil {
		return err
	}
	if len(triple) != 3 {
		return fmt.Errorf("%w: task must be a [codes, start, end] triple", ErrInput)
	}
	var codes []string
	if err := json.Unmarshal(triple[0], &codes); err != nil {
		return err
	}
	var start, end string
	if err := json.Unmarshal(triple[1], &start); err != nil {
		return err
	}
	if err := json.Unmarshal(triple[2], &end); err != nil {
		return err
	}
	s, err := ParseDate(start)
	if err != nil {
		return err
	}
	e, err := ParseDate(end)
	if err != nil {
		return err
	}
	t.Codes, t.Start, t.End = codes, s, e
	return nil
}

// ErrorRecord is a failed task plus the reason it failed
type ErrorRecord struct {
	Task   DownloadTask
	Kind   string
	Reason string
}

// NewErrorRecord classifies err against the failure taxonomy
func NewErrorRecord(task DownloadTask, err error) ErrorRecord {
	rec := ErrorRecord{Task: task, Kind: FailureKind(err)}
	if err != nil {
		rec.Reason = err.Error()
	}
	return rec
}

// Tasks extracts the tasks of a record list in order
func Tasks(records []ErrorRecord) []DownloadTask {
	out := make([]DownloadTask, len(records))
	for i, r := range records {
		out[i] = r.Task
	}
	return out
}
