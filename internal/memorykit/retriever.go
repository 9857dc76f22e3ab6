package memorykit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	recordCollection = "app.bsky.feed.post"
	listRecordsNSID  = "com.atproto.repo.listRecords"
	listPageLimit    = 10
)

// ErrRetrieval indicates the remote repository listing call failed or timed
// out. Callers degrade to "no memory today" instead of failing the request.
var ErrRetrieval = errors.New("memorykit.retrieval")

// RepoLister makes authenticated reads against the account's repository.
type RepoLister interface {
	Identity() string
	Get(ctx context.Context, nsid string, params url.Values, out any) error
}

// Retriever computes the one-year-ago day window, scans the repository
// listing for it, and picks the most engaged record of that day.
type Retriever struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewRetriever(logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WindowFor returns the prior-year calendar day matching the given instant:
// same month and day, year minus one, as a half-open UTC day.
func (retriever *Retriever) WindowFor(instant time.Time) Window {
	instant = instant.UTC()
	start := time.Date(instant.Year()-1, instant.Month(), instant.Day(), 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// Fetch lists one page of the account's records in chronological order,
// anchored at the start of the window's year. The anchor sits a year back
// because listing cursors are creation-ordered keys, not timestamps, so the
// scan must begin at a known-earlier point and filter forward.
func (retriever *Retriever) Fetch(ctx context.Context, lister RepoLister, window Window) ([]Record, error) {
	anchor := time.Date(window.Start.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	params := url.Values{
		"repo":       {lister.Identity()},
		"collection": {recordCollection},
		"limit":      {strconv.Itoa(listPageLimit)},
		"cursor":     {cursorForTime(anchor)},
		"reverse":    {"true"},
	}

	var page struct {
		Cursor  string `json:"cursor"`
		Records []struct {
			URI   string `json:"uri"`
			Value struct {
				Text      string `json:"text"`
				CreatedAt string `json:"createdAt"`
				LikeCount *int64 `json:"likeCount"`
			} `json:"value"`
		} `json:"records"`
	}
	if getErr := lister.Get(ctx, listRecordsNSID, params, &page); getErr != nil {
		return nil, fmt.Errorf("memorykit.fetch: %w: %v", ErrRetrieval, getErr)
	}

	records := make([]Record, 0, len(page.Records))
	for _, listed := range page.Records {
		createdAt, parseErr := time.Parse(time.RFC3339, listed.Value.CreatedAt)
		if parseErr != nil {
			retriever.logger.Debug("skipping record with unparseable creation time",
				zap.String("code", "memorykit.fetch.bad_created_at"),
				zap.String("uri", listed.URI))
			continue
		}
		record := Record{
			URI:       listed.URI,
			Text:      listed.Value.Text,
			CreatedAt: createdAt.UTC(),
		}
		if listed.Value.LikeCount != nil {
			record.Likes = *listed.Value.LikeCount
		}
		records = append(records, record)
	}

	// A full page that ends before the window means the target day may sit
	// beyond this single page. TODO: advance the cursor until the page
	// straddles the window instead of stopping at one fetch.
	if len(page.Records) == listPageLimit && len(records) > 0 && records[len(records)-1].CreatedAt.Before(window.Start) {
		retriever.logger.Debug("listing page ended before the target day",
			zap.String("code", "memorykit.fetch.window_beyond_page"),
			zap.String("identity", lister.Identity()),
			zap.Time("window_start", window.Start))
	}
	return records, nil
}

// FilterToWindow keeps the records created inside [window.Start, window.End).
func (retriever *Retriever) FilterToWindow(records []Record, window Window) []Record {
	var inside []Record
	for _, record := range records {
		if window.Contains(record.CreatedAt) {
			inside = append(inside, record)
		}
	}
	return inside
}

// Select picks the candidate with the highest engagement count; ties go to
// the earliest-created record. Zero candidates yield nil.
func (retriever *Retriever) Select(candidates []Record) *Selected {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Likes > best.Likes {
			best = candidate
		}
	}
	return &Selected{Record: best, YearsAgo: 1}
}

// MemoryFor runs the full window → fetch → filter → select pipeline for the
// lister's account.
func (retriever *Retriever) MemoryFor(ctx context.Context, lister RepoLister) (*Selected, error) {
	window := retriever.WindowFor(retriever.now())
	records, fetchErr := retriever.Fetch(ctx, lister, window)
	if fetchErr != nil {
		return nil, fetchErr
	}
	return retriever.Select(retriever.FilterToWindow(records, window)), nil
}
