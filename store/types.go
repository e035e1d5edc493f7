// Package store defines the authoritative project and delivery-log documents
// and the ProjectStore interface the scheduler, workers, and reconciler
// consume. The production implementation lives on CouchDB; an in-memory
// implementation backs the test suite.
package store

import "time"

// Frequency is the research cadence of a project.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyOnce    Frequency = "once"
)

// Status is the project lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusRunning Status = "running"
	StatusError   Status = "error"
	StatusDeleted Status = "deleted"
)

// SearchParameters are the per-project search preferences. Ordered sets keep
// the user's priority order.
type SearchParameters struct {
	PriorityDomains     []string `json:"priorityDomains,omitempty"`
	ExcludedDomains     []string `json:"excludedDomains,omitempty"`
	RequiredKeywords    []string `json:"requiredKeywords,omitempty"`
	ExcludedKeywords    []string `json:"excludedKeywords,omitempty"`
	Language            string   `json:"language,omitempty"`
	Region              string   `json:"region,omitempty"`
	OutputLanguage      string   `json:"outputLanguage,omitempty"`
	DateRangePreference string   `json:"dateRangePreference,omitempty"`
}

// Project is the authoritative project document.
//
// Invariants: status=running implies ResearchStartedAt != nil; a deleted
// project is never mutated by workers; PreparedDeliveryLogID is the atomic
// handoff token between research and delivery.
type Project struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"` // document discriminator, always "project"

	UserID        string `json:"userId"`
	Title         string `json:"title"`
	Description   string `json:"description"` // <= 2000 chars
	DeliveryEmail string `json:"deliveryEmail"`

	Frequency    Frequency `json:"frequency"`
	DeliveryTime string    `json:"deliveryTime"` // "HH:MM" local
	Timezone     string    `json:"timezone"`     // IANA zone
	DayOfWeek    int       `json:"dayOfWeek,omitempty"`  // 1-7, weekly
	DayOfMonth   int       `json:"dayOfMonth,omitempty"` // 1-31, monthly

	Status           Status           `json:"status"`
	SearchParameters SearchParameters `json:"searchParameters"`

	NextRunAt             *int64  `json:"nextRunAt,omitempty"` // epoch ms
	LastRunAt             *int64  `json:"lastRunAt,omitempty"`
	ResearchStartedAt     *int64  `json:"researchStartedAt,omitempty"`
	PreparedDeliveryLogID *string `json:"preparedDeliveryLogId,omitempty"`
	PreparedAt            *int64  `json:"preparedAt,omitempty"`
	DeliveredAt           *int64  `json:"deliveredAt,omitempty"`
	LastError             string  `json:"lastError,omitempty"`
	ThisRunIsOneShot      bool    `json:"thisRunIsOneShot,omitempty"`
}

// NextRunTime returns NextRunAt as a time, or the zero time when unset.
func (p *Project) NextRunTime() time.Time {
	if p.NextRunAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(*p.NextRunAt)
}

// DeliveryStatus is the delivery log lifecycle state.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryPartial DeliveryStatus = "partial"
)

// DeliveryStats captures pipeline durations, counts, and a cost estimate.
type DeliveryStats struct {
	DurationMs       int64   `json:"durationMs"`
	QueriesGenerated int     `json:"queriesGenerated"`
	SearchResults    int     `json:"searchResults"`
	CacheHits        int     `json:"cacheHits"`
	DedupHits        int     `json:"dedupHits"`
	ExtractedSources int     `json:"extractedSources"`
	RelevantSources  int     `json:"relevantSources"`
	CostEstimate     float64 `json:"costEstimate"`
}

// DeliveryLog is the child document produced at the end of the pipeline.
// Created in pending; transitioned to success by the delivery worker; never
// mutated after reaching a terminal status.
type DeliveryLog struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"` // always "delivery_log"

	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`

	Status         DeliveryStatus `json:"status"`
	ReportTitle    string         `json:"reportTitle"`
	ReportMarkdown string         `json:"reportMarkdown"`
	ReportSummary  string         `json:"reportSummary"`

	CreatedAt   int64         `json:"createdAt"` // epoch ms
	DeliveredAt *int64        `json:"deliveredAt,omitempty"`
	RetryCount  int           `json:"retryCount"`
	Stats       DeliveryStats `json:"stats"`
	Error       string        `json:"error,omitempty"`
}
