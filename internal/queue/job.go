// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State is one of the mutually exclusive containers a job id can occupy.
// Invariant I1: a job id appears in exactly one State at any instant.
type State string

const (
	StateWaiting         State = "waiting"
	StatePaused          State = "paused"
	StateActive          State = "active"
	StateDelayed         State = "delayed"
	StateWaitingChildren State = "waiting-children"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateUnknown         State = "unknown"
)

// BackoffType selects the retry delay curve applied in moveToFailed.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the retry delay curve and its base unit.
type Backoff struct {
	Type BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// RemovePolicy bounds retention of a finished job. Enabled with Count == 0
// removes the job unconditionally on completion/failure; Enabled with
// Count > 0 caps retention at the newest Count entries. The zero value
// (Enabled: false) means "no per-job override" -- the queue's configured
// default retention count governs instead, and a default count of 0 means
// keep forever.
type RemovePolicy struct {
	Enabled bool          `json:"enabled"`
	Count   int64         `json:"count"`
	Age     time.Duration `json:"age"`
}

// RepeatSpec configures recurring production of a named job. Either Cron or
// Every is set, never both; the resolved job id is deterministic so repeated
// ticks are idempotent (see internal/repeat).
type RepeatSpec struct {
	Cron  string        `json:"cron,omitempty"`
	Every time.Duration `json:"every,omitempty"`
	TZ    string         `json:"tz,omitempty"`
	Limit int            `json:"limit,omitempty"`
}

// Options is the validated, explicit configuration bag accepted by the
// producer for a single job. There is deliberately no free-form map: every
// field the core understands is named here.
type Options struct {
	Priority                  int           `json:"priority,omitempty"`
	Delay                     time.Duration `json:"delay,omitempty"`
	Attempts                  int           `json:"attempts,omitempty"`
	Backoff                   Backoff       `json:"backoff,omitempty"`
	JobID                     string        `json:"jobId,omitempty"`
	RemoveOnComplete          RemovePolicy  `json:"removeOnComplete,omitempty"`
	RemoveOnFail              RemovePolicy  `json:"removeOnFail,omitempty"`
	Parent                    string        `json:"parent,omitempty"`
	Repeat                    *RepeatSpec   `json:"repeat,omitempty"`
	LIFO                      bool          `json:"lifo,omitempty"`
	Timestamp                 time.Time     `json:"timestamp,omitempty"`
	StackTraceLimit           int           `json:"stackTraceLimit,omitempty"`
	GroupKey                  string        `json:"groupKey,omitempty"`
	IgnoreDependencyOnFailure bool          `json:"ignoreDependencyOnFailure,omitempty"`
}

// Validate checks the option ranges the producer is responsible for
// enforcing before a job ever reaches addJob: zero values mean "use the
// queue's default" everywhere, so only negative values (never meaningful)
// are rejected.
func (o Options) Validate() error {
	if o.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0, got %d", ErrInvalidOptions, o.Priority)
	}
	if o.Delay < 0 {
		return fmt.Errorf("%w: delay must be >= 0, got %s", ErrInvalidOptions, o.Delay)
	}
	if o.Attempts < 0 {
		return fmt.Errorf("%w: attempts must be >= 0, got %d", ErrInvalidOptions, o.Attempts)
	}
	return nil
}

// priorityCeiling bounds the value packed into the low 12 bits of a delayed
// job's score (fire-time*4096 + priority, per the keyspace design). Priority
// itself is unbounded to callers; values above the ceiling are clamped so
// the packed score still sorts correctly relative to fire time.
const priorityCeiling = 4095

// PackedScore clamps p into the packed-score range.
func PackedScore(p int) int64 {
	if p <= 0 {
		return 0
	}
	if p > priorityCeiling {
		return priorityCeiling
	}
	return int64(p)
}

// Job is the opaque-payload unit of work the core transitions between
// containers. Data is never interpreted by the core beyond being stored and
// returned verbatim.
type Job struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Data          []byte    `json:"data"`
	Opts          Options   `json:"opts"`
	Progress      float64   `json:"progress"`
	AttemptsMade  int       `json:"attemptsMade"`
	ReturnValue   []byte    `json:"returnvalue,omitempty"`
	FailedReason  string    `json:"failedReason,omitempty"`
	Stacktrace    []string  `json:"stacktrace,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Delay         time.Duration `json:"delay"`
	ProcessedOn   time.Time `json:"processedOn,omitempty"`
	FinishedOn    time.Time `json:"finishedOn,omitempty"`
	ParentKey     string    `json:"parentKey,omitempty"`
	RepeatJobKey  string    `json:"rjk,omitempty"`
}

// Marshal serializes a job to its hash-field JSON form.
func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal parses the JSON form written by Marshal.
func Unmarshal(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// ToHash flattens a Job into the field/value pairs written to its Redis
// hash. Nested structures (Opts, Stacktrace) are JSON-encoded sub-fields.
func (j Job) ToHash() (map[string]string, error) {
	optsJSON, err := json.Marshal(j.Opts)
	if err != nil {
		return nil, err
	}
	stackJSON, err := json.Marshal(j.Stacktrace)
	if err != nil {
		return nil, err
	}
	h := map[string]string{
		"id":           j.ID,
		"name":         j.Name,
		"data":         string(j.Data),
		"opts":         string(optsJSON),
		"progress":     formatFloat(j.Progress),
		"attemptsMade": formatInt(j.AttemptsMade),
		"returnvalue":  string(j.ReturnValue),
		"failedReason": j.FailedReason,
		"stacktrace":   string(stackJSON),
		"timestamp":    formatTime(j.Timestamp),
		"delay":        formatInt(int(j.Delay.Milliseconds())),
		"processedOn":  formatTime(j.ProcessedOn),
		"finishedOn":   formatTime(j.FinishedOn),
		"parentKey":    j.ParentKey,
		"rjk":          j.RepeatJobKey,
	}
	return h, nil
}

// FromHash rebuilds a Job from the field/value pairs HGETALL returns. An
// empty map (job not found) yields the zero Job with ok=false.
func FromHash(fields map[string]string) (Job, bool, error) {
	if len(fields) == 0 {
		return Job{}, false, nil
	}
	var j Job
	j.ID = fields["id"]
	j.Name = fields["name"]
	j.Data = []byte(fields["data"])
	if v := fields["opts"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Opts); err != nil {
			return Job{}, false, err
		}
	}
	j.Progress = parseFloat(fields["progress"])
	j.AttemptsMade = parseInt(fields["attemptsMade"])
	j.ReturnValue = []byte(fields["returnvalue"])
	j.FailedReason = fields["failedReason"]
	if v := fields["stacktrace"]; v != "" {
		_ = json.Unmarshal([]byte(v), &j.Stacktrace)
	}
	j.Timestamp = parseTime(fields["timestamp"])
	j.Delay = time.Duration(parseInt(fields["delay"])) * time.Millisecond
	j.ProcessedOn = parseTime(fields["processedOn"])
	j.FinishedOn = parseTime(fields["finishedOn"])
	j.ParentKey = fields["parentKey"]
	j.RepeatJobKey = fields["rjk"]
	return j, true, nil
}

func (j Job) IsCompleted() bool       { return !j.FinishedOn.IsZero() && j.FailedReason == "" }
func (j Job) IsFailed() bool          { return !j.FinishedOn.IsZero() && j.FailedReason != "" }
func (j Job) IsDelayed() bool         { return j.Delay > 0 && j.ProcessedOn.IsZero() && j.FinishedOn.IsZero() }
func (j Job) IsActive() bool          { return !j.ProcessedOn.IsZero() && j.FinishedOn.IsZero() }
func (j Job) IsWaiting() bool         { return j.ProcessedOn.IsZero() && j.FinishedOn.IsZero() && j.Delay == 0 }
func (j Job) HasParent() bool         { return j.ParentKey != "" }

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
func parseFloat(s string) float64  { f, _ := strconv.ParseFloat(s, 64); return f }
func formatInt(i int) string       { return strconv.Itoa(i) }
func parseInt(s string) int        { i, _ := strconv.Atoi(s); return i }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
