package domain

import "time"

type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"

	// TaskReset is never stored on a record; it only appears on the
	// notification published by a full reset.
	TaskReset TaskStatus = "reset"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskDone, TaskError, TaskCancelled:
		return true
	default:
		return false
	}
}

// RunParams carries the per-request metadata forwarded to the search API.
type RunParams struct {
	UserID string `json:"userId,omitempty"`
	Token  string `json:"-"`
	Limit  int    `json:"limit,omitempty"`
}

type Result struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Domain      string `json:"domain"`
	Favicon     string `json:"favicon"`
	PublishDate string `json:"publishDate"`
	Category    string `json:"category"`
}

type TaskRecord struct {
	Key        string     `json:"key"`
	Status     TaskStatus `json:"status"`
	Results    []Result   `json:"results"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Generation uint64     `json:"generation"`
}

// Snapshot is the immutable payload delivered to subscribers. Key is nil
// only for the reset notification.
type Snapshot struct {
	Key     *string    `json:"key"`
	Status  TaskStatus `json:"status"`
	Results []Result   `json:"results"`
	Error   *string    `json:"error"`
}

func (s Snapshot) KeyString() string {
	if s.Key == nil {
		return ""
	}
	return *s.Key
}

func (s Snapshot) ErrorString() string {
	if s.Error == nil {
		return ""
	}
	return *s.Error
}

// SnapshotOf copies the record so that subscribers can never alias the
// registry's slice.
func SnapshotOf(record TaskRecord) Snapshot {
	key := record.Key
	snapshot := Snapshot{
		Key:     &key,
		Status:  record.Status,
		Results: CloneResults(record.Results),
	}
	if record.Error != "" {
		message := record.Error
		snapshot.Error = &message
	}
	return snapshot
}

func ResetSnapshot() Snapshot {
	return Snapshot{Status: TaskReset, Results: []Result{}}
}

func CloneResults(items []Result) []Result {
	out := make([]Result, len(items))
	copy(out, items)
	return out
}

// RawResult is one item as returned by the remote search API. Fields are
// deliberately loose: the API mixes naming styles across versions.
type RawResult struct {
	URL           string `json:"url,omitempty"`
	Link          string `json:"link,omitempty"`
	Title         string `json:"title,omitempty"`
	Snippet       string `json:"snippet,omitempty"`
	Favicon       string `json:"favicon,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
	PublishDate   string `json:"publishDate,omitempty"`
	Category      string `json:"category,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
}

type ProviderResponse struct {
	Query      string      `json:"query,omitempty"`
	Results    []RawResult `json:"results"`
	StatusCode *int        `json:"status_code,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type SearchRequest struct {
	Query  string
	Limit  int
	UserID string
	Token  string
}

// RecentSearch is one persisted run in a user's history.
type RecentSearch struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Query       string     `json:"query"`
	Status      TaskStatus `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	ResultCount int        `json:"resultCount"`
	Error       string     `json:"error,omitempty"`
}

type ProviderDiagnostics struct {
	Name                string     `json:"name"`
	Endpoint            string     `json:"endpoint"`
	Available           bool       `json:"available"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	BlockedUntil        *time.Time `json:"blockedUntil,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs,omitempty"`
	LastTimeout         bool       `json:"lastTimeout,omitempty"`
	LastQuery           string     `json:"lastQuery,omitempty"`
	TotalRequests       int64      `json:"totalRequests,omitempty"`
	TotalFailures       int64      `json:"totalFailures,omitempty"`
	TimeoutCount        int64      `json:"timeoutCount,omitempty"`
}
