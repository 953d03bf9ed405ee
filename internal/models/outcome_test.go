package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityWarmingUp, ParseSeverity("Data is still loading"))
	assert.Equal(t, SeverityWarmingUp, ParseSeverity("warming up"))
	assert.Equal(t, SeveritySlowDown, ParseSeverity("too many requests"))
	assert.Equal(t, SeveritySlowDown, ParseSeverity(""))
}

func TestOutcomeFromJob(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	job := &Job{Anchor: Anchor{ID: "1", Kind: KindPOI}, Status: JobProcessing, Partial: true}

	o := OutcomeFromJob(job, SourceBackend, now, false)
	assert.Equal(t, job.Anchor, o.Anchor)
	assert.NotNil(t, o.Items)
	assert.True(t, o.Running())
	assert.Equal(t, now, o.FetchedAt)

	nilOutcome := OutcomeFromJob(nil, SourceNone, now, false)
	assert.NotNil(t, nilOutcome.Items)
}

func TestOutcome_State(t *testing.T) {
	items := []ProximityItem{{ID: "1"}}
	tests := []struct {
		name    string
		outcome Outcome
		want    string
	}{
		{"items win", Outcome{Items: items, ErrorKind: ErrorKindRateLimited}, StateReady},
		{"cold rate limited", Outcome{ErrorKind: ErrorKindRateLimited}, StateRateLimited},
		{"loading", Outcome{Status: JobProcessing}, StateLoading},
		{"network error", Outcome{ErrorKind: ErrorKindNetwork}, StateError},
		{"empty", Outcome{Status: JobCompleted}, StateEmpty},
		{"unauthorized reads as empty", Outcome{ErrorKind: ErrorKindUnauthorized}, StateEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.State())
		})
	}
}
