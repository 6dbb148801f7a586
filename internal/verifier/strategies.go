package verifier

import (
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/taskcheck/internal/errclass"
	"github.com/kalambet/taskcheck/internal/task"
)

// Generic verifies items with no category specific rules. It is also the
// fallback for unknown categories.
type Generic struct{ base }

// NewGeneric creates the generic strategy.
func NewGeneric(svc Service, opts Options) *Generic {
	s := &Generic{}
	s.init(task.CategoryGeneric, svc, opts)
	return s
}

// Limited verifies time-limited items. Closed windows, windows that have not
// opened and exhausted quotas are rejected without calling the service.
type Limited struct{ base }

// NewLimited creates the time-limited strategy.
func NewLimited(svc Service, opts Options) *Limited {
	s := &Limited{}
	s.init(task.CategoryLimited, svc, opts)
	s.precheck = limitedPrecheck
	s.fields = func(it *task.Item) map[string]any {
		f := map[string]any{}
		if !it.StartsAt.IsZero() {
			f["starts_at"] = it.StartsAt.UTC().Format(time.RFC3339)
		}
		if !it.EndsAt.IsZero() {
			f["ends_at"] = it.EndsAt.UTC().Format(time.RFC3339)
		}
		if it.CompletionLimit > 0 {
			f["completion_limit"] = it.CompletionLimit
			f["completions"] = it.Completions
		}
		return f
	}
	return s
}

func limitedPrecheck(it *task.Item, now time.Time) *task.Result {
	switch {
	case !it.EndsAt.IsZero() && !now.Before(it.EndsAt):
		return &task.Result{
			Status:  task.StatusFailure,
			Message: "This task has expired and can no longer be completed.",
			Reason:  task.ReasonExpired,
			Details: map[string]any{"ends_at": it.EndsAt.UTC().Format(time.RFC3339)},
		}
	case !it.StartsAt.IsZero() && now.Before(it.StartsAt):
		return &task.Result{
			Status:  task.StatusFailure,
			Message: "This task has not started yet.",
			Reason:  task.ReasonNotStarted,
			Details: map[string]any{"starts_at": it.StartsAt.UTC().Format(time.RFC3339)},
		}
	case it.CompletionLimit > 0 && it.Completions >= it.CompletionLimit:
		return &task.Result{
			Status:  task.StatusFailure,
			Message: "This task has reached its completion limit.",
			Reason:  task.ReasonQuotaExhausted,
			Details: map[string]any{"completion_limit": it.CompletionLimit},
		}
	}
	return nil
}

// Partner verifies sponsored items and forwards their tracking identifiers.
type Partner struct{ base }

// NewPartner creates the partner strategy.
func NewPartner(svc Service, opts Options) *Partner {
	s := &Partner{}
	s.init(task.CategoryPartner, svc, opts)
	s.validate = func(it *task.Item) error {
		if partnerID(it) == "" {
			return &errclass.ValidationError{Field: "partner_id", Reason: "is required"}
		}
		return nil
	}
	s.fields = func(it *task.Item) map[string]any {
		f := map[string]any{"partner_id": partnerID(it)}
		tracking := it.TrackingID
		if tracking == "" {
			tracking = it.Metadata["tracking_id"]
		}
		if tracking != "" {
			f["tracking_id"] = tracking
		}
		return f
	}
	return s
}

func partnerID(it *task.Item) string {
	if it.PartnerID != "" {
		return it.PartnerID
	}
	return it.Metadata["partner_id"]
}

// Social verifies actions on social networks. The network is taken from the
// item, its metadata, or the host of its URL.
type Social struct{ base }

// NewSocial creates the social strategy.
func NewSocial(svc Service, opts Options) *Social {
	s := &Social{}
	s.init(task.CategorySocial, svc, opts)
	s.fields = func(it *task.Item) map[string]any {
		return map[string]any{"network": DetectNetwork(it)}
	}
	return s
}

// DetectNetwork returns the social network an item targets, or "unknown".
func DetectNetwork(it *task.Item) string {
	if it.Network != "" {
		return strings.ToLower(it.Network)
	}
	if n := it.Metadata["network"]; n != "" {
		return strings.ToLower(n)
	}
	if it.URL != "" {
		if u, err := url.Parse(it.URL); err == nil {
			if n := task.NetworkForHost(u.Hostname()); n != "" {
				return n
			}
		}
	}
	return "unknown"
}

// All returns one strategy per known category sharing svc and opts.
func All(svc Service, opts Options) []Strategy {
	return []Strategy{
		NewGeneric(svc, opts),
		NewLimited(svc, opts),
		NewPartner(svc, opts),
		NewSocial(svc, opts),
	}
}
