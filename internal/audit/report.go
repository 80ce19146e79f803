package audit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Report answers the regulatory subject-access question: who touched this
// subject's data, how often, and why, over the requested range.
type Report struct {
	SubjectID    string         `json:"subject_id"`
	From         time.Time      `json:"from"`
	To           time.Time      `json:"to"`
	TotalEntries int            `json:"total_entries"`
	ByAction     map[string]int `json:"by_action"`
	ByResult     map[string]int `json:"by_result"`
	Accessors    []string       `json:"accessors"`
	Entries      []Entry        `json:"entries"`
}

// ComplianceReport aggregates every entry whose resource id matches the
// subject within [from, to].
func (t *Trail) ComplianceReport(ctx context.Context, subjectID string, from, to time.Time) (Report, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Report{}, errors.New("audit: subject id is required")
	}
	if to.IsZero() {
		to = t.now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}

	// Page through the sink so TotalEntries is exact even for subjects
	// with more history than one query returns.
	const pageSize = 500
	var entries []Entry
	for offset := 0; ; offset += pageSize {
		page, err := t.sink.QueryAuditEntries(ctx, Filter{
			ResourceID: subjectID,
			From:       from,
			To:         to,
			Limit:      pageSize,
			Offset:     offset,
		})
		if err != nil {
			return Report{}, err
		}
		entries = append(entries, page...)
		if len(page) < pageSize {
			break
		}
	}

	report := Report{
		SubjectID:    subjectID,
		From:         from,
		To:           to,
		TotalEntries: len(entries),
		ByAction:     map[string]int{},
		ByResult:     map[string]int{},
		Entries:      entries,
	}
	accessors := map[string]struct{}{}
	for _, e := range entries {
		report.ByAction[e.Action]++
		report.ByResult[e.Result]++
		if e.UserID != "" {
			accessors[e.UserID] = struct{}{}
		}
	}
	for id := range accessors {
		report.Accessors = append(report.Accessors, id)
	}
	sort.Strings(report.Accessors)
	return report, nil
}
