package engine

import (
	"context"
	"time"

	"github.com/statestream/statestream/internal"
	"github.com/statestream/statestream/pkg/datamodel"
	"go.uber.org/zap"
)

// PostingService turns logical postings into committed rollup rows. Every
// accepted posting cascades into one row per configured bucket duration, with
// the timestamp floored onto that bucket's grid. Rows and posting-id consumption
// are committed together by the repository, which is what makes Post exactly-once
// under duplicate delivery or a partial crash.
type PostingService struct {
	repo    PostingRepository
	buckets []time.Duration
}

// NewPostingService wires a posting service over the given repository. When
// buckets is nil the default cascade (5s/1m/5m/1h/1d/7d) is used.
func NewPostingService(repo PostingRepository, buckets []time.Duration) *PostingService {
	if len(buckets) == 0 {
		buckets = internal.RollupBuckets
	}
	return &PostingService{
		repo:    repo,
		buckets: buckets,
	}
}

// Post commits the given postings, skipping any whose posting id was already
// consumed. It returns the number of postings actually applied.
func (s *PostingService) Post(ctx context.Context, postings []datamodel.Posting) (int, error) {
	if len(postings) == 0 {
		return 0, nil
	}
	pending := make([]PendingPosting, 0, len(postings))
	for _, p := range postings {
		rows := make([]datamodel.RollupRow, 0, len(s.buckets))
		for _, bucket := range s.buckets {
			rows = append(rows, datamodel.RollupRow{
				Bucket:    bucket,
				Timestamp: internal.AlignToBucket(p.Timestamp, bucket),
				Key:       p.Key,
				Delta:     p.Delta,
			})
		}
		pending = append(pending, PendingPosting{Posting: p, Rows: rows})
	}

	accepted, err := s.repo.CommitNew(ctx, pending)
	if err != nil {
		return 0, err
	}
	if accepted < len(postings) {
		zap.S().Debugf("Skipped %d already-consumed postings", len(postings)-accepted)
	}
	return accepted, nil
}
