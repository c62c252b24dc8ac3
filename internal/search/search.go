package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTask    ResultType = "task"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	TeamID  string     `json:"teamId,omitempty"`
	ForumID string     `json:"forumId,omitempty"`
	Status  string     `json:"status,omitempty"`
}

// Query describes a search request. TeamIDs and ForumIDs bound what the
// caller may see; an empty list hides that result type entirely.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	TeamIDs    []string
	ForumIDs   []string
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	TeamID      string `json:"teamId"`
}

// MessageRecord is the data we index for a forum message.
type MessageRecord struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	ForumID string `json:"forumId"`
	TeamID  string `json:"teamId"`
	UserID  string `json:"userId"`
}
