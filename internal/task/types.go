package task

import "time"

// Category selects the verification strategy for an item.
type Category string

const (
	CategoryGeneric Category = "generic"
	CategoryLimited Category = "limited"
	CategoryPartner Category = "partner"
	CategorySocial  Category = "social"
	CategoryUnknown Category = "unknown"
)

// ParseCategory normalizes a raw category string. Unrecognized values map to
// CategoryUnknown.
func ParseCategory(s string) Category {
	switch Category(s) {
	case CategoryGeneric, CategoryLimited, CategoryPartner, CategorySocial:
		return Category(s)
	}
	switch s {
	case "time_limited", "timed", "time-limited":
		return CategoryLimited
	case "sponsor", "sponsored", "affiliate":
		return CategoryPartner
	case "default", "basic":
		return CategoryGeneric
	}
	return CategoryUnknown
}

// Status is the outcome class of a verification.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSuccess      Status = "success"
	StatusFailure      Status = "failure"
	StatusError        Status = "error"
	StatusTimeout      Status = "timeout"
	StatusNetworkError Status = "network_error"
)

// Rejection reasons attached to results produced without calling a strategy.
const (
	ReasonBusy           = "busy"
	ReasonThrottled      = "throttled"
	ReasonBlocked        = "blocked"
	ReasonExpired        = "expired"
	ReasonNotStarted     = "not_started"
	ReasonQuotaExhausted = "quota_exhausted"
	ReasonInvalidItem    = "invalid_item"
	ReasonRejected       = "rejected"
)

// Reward is granted to the user when an item is verified.
type Reward struct {
	Kind   string `json:"type"`
	Amount int    `json:"amount"`
}

// Result is the immutable outcome of one verification.
type Result struct {
	Success        bool           `json:"success"`
	Status         Status         `json:"status"`
	Message        string         `json:"message"`
	ErrorCategory  string         `json:"error_category,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Reward         *Reward        `json:"reward,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	ItemID         string         `json:"item_id"`
	Timestamp      time.Time      `json:"timestamp"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	Cached         bool           `json:"cached,omitempty"`
}

// Item is a unit of work subject to verification.
type Item struct {
	ID              string            `json:"id"`
	Category        Category          `json:"category"`
	Title           string            `json:"title"`
	Action          string            `json:"action"`
	URL             string            `json:"url,omitempty"`
	StartsAt        time.Time         `json:"starts_at,omitempty"`
	EndsAt          time.Time         `json:"ends_at,omitempty"`
	CompletionLimit int               `json:"completion_limit,omitempty"`
	Completions     int               `json:"completions,omitempty"`
	Target          int               `json:"target,omitempty"`
	Reward          *Reward           `json:"reward,omitempty"`
	PartnerID       string            `json:"partner_id,omitempty"`
	TrackingID      string            `json:"tracking_id,omitempty"`
	Network         string            `json:"network,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Progress states.
const (
	ProgressNotStarted = "not_started"
	ProgressInProgress = "in_progress"
	ProgressCompleted  = "completed"
)

// Progress records how far the user has advanced on an item.
type Progress struct {
	ItemID    string    `json:"item_id"`
	Status    string    `json:"status"`
	Value     int       `json:"value"`
	Target    int       `json:"target"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveTarget returns the progress target for the item, defaulting to 1.
func (it *Item) EffectiveTarget() int {
	if it == nil || it.Target <= 0 {
		return 1
	}
	return it.Target
}
