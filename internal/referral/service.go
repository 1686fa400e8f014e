package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errSelfSponsor     = errors.New("user cannot sponsor itself")
	noOpLogger         = zap.NewNop()

	// ErrAlreadySponsored is returned when a child already has a parent edge.
	ErrAlreadySponsored = errors.New("user already has a sponsor")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "referral.service.new"
	opRebuild       = "referral.rebuild"
	opAttachSponsor = "referral.attach_sponsor"
	opAncestorChain = "referral.ancestor_chain"
	opCenterLinks   = "referral.center_links"
	opDirectCount   = "referral.direct_referral_count"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maintains the referral forest and its derived center indexes.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// RebuildResult reports the outcome of a center index rebuild.
type RebuildResult struct {
	CreatedCount int
}

// Rebuild regenerates every CenterLink row for the given center in a single
// transaction: prior rows are deleted, then a breadth-first walk over the
// sponsor edges reinserts one row per reachable descendant. A failure at any
// point aborts the transaction and leaves the previous index intact.
//
// Rank is the 1-based position of a descendant within its depth, ordered by
// ascending user id, so repeated rebuilds over unchanged edges produce an
// identical link set.
func (s *Service) Rebuild(ctx context.Context, centerUserID int64) (RebuildResult, error) {
	createdCount := 0

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("center_user_id = ?", centerUserID).Delete(&CenterLink{}).Error; err != nil {
			return newServiceError(opRebuild, "delete_failed", err)
		}

		nowSeconds := s.clock().UTC().Unix()

		// Visited set guards against cyclic edge data. The domain is a
		// forest, but a corrupted edge must not loop the rebuild.
		visited := map[int64]struct{}{centerUserID: {}}
		frontier := []int64{centerUserID}

		for depth := 1; len(frontier) > 0; depth++ {
			var edges []Edge
			err := tx.Where("parent_user_id IN ?", frontier).
				Order("child_user_id ASC").
				Find(&edges).Error
			if err != nil {
				return newServiceError(opRebuild, "frontier_query_failed", err)
			}

			links := make([]CenterLink, 0, len(edges))
			next := make([]int64, 0, len(edges))
			rank := 0
			for _, edge := range edges {
				if _, seen := visited[edge.ChildUserID]; seen {
					continue
				}
				visited[edge.ChildUserID] = struct{}{}
				rank++
				links = append(links, CenterLink{
					CenterUserID:     centerUserID,
					UserID:           edge.ChildUserID,
					Distance:         depth,
					Rank:             rank,
					CreatedAtSeconds: nowSeconds,
				})
				next = append(next, edge.ChildUserID)
			}

			if len(links) > 0 {
				insertResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links)
				if insertResult.Error != nil {
					return newServiceError(opRebuild, "insert_failed", insertResult.Error)
				}
				createdCount += int(insertResult.RowsAffected)
			}

			frontier = next
		}

		return nil
	})
	if txErr != nil {
		s.logger.Error("center index rebuild failed",
			zap.Int64("center_user_id", centerUserID),
			zap.Error(txErr))
		return RebuildResult{}, txErr
	}

	s.logger.Info("center index rebuilt",
		zap.Int64("center_user_id", centerUserID),
		zap.Int("created_count", createdCount))
	return RebuildResult{CreatedCount: createdCount}, nil
}

// AttachSponsor records a sponsor→member edge at signup. A child holds at
// most one parent; a second attach for the same child fails with
// ErrAlreadySponsored.
func (s *Service) AttachSponsor(ctx context.Context, parentUserID, childUserID int64) (Edge, error) {
	if parentUserID == childUserID {
		return Edge{}, newServiceError(opAttachSponsor, "self_sponsor", errSelfSponsor)
	}

	edge := Edge{
		ParentUserID:     parentUserID,
		ChildUserID:      childUserID,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	insertResult := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&edge)
	if insertResult.Error != nil {
		return Edge{}, newServiceError(opAttachSponsor, "insert_failed", insertResult.Error)
	}
	if insertResult.RowsAffected == 0 {
		return Edge{}, newServiceError(opAttachSponsor, "duplicate_child", ErrAlreadySponsored)
	}
	return edge, nil
}

// AncestorChain walks parent edges upward from startUserID, returning at most
// maxDepth user ids including the origin. A non-zero stopAtUserID halts the
// walk after that user is visited. Cyclic edge data terminates the walk
// rather than looping.
func (s *Service) AncestorChain(ctx context.Context, startUserID int64, maxDepth int, stopAtUserID int64) ([]int64, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	chain := make([]int64, 0, maxDepth)
	visited := make(map[int64]struct{}, maxDepth)
	current := startUserID
	for len(chain) < maxDepth {
		if _, seen := visited[current]; seen {
			break
		}
		visited[current] = struct{}{}
		chain = append(chain, current)

		if stopAtUserID != 0 && current == stopAtUserID {
			break
		}

		var edge Edge
		err := s.db.WithContext(ctx).Where("child_user_id = ?", current).Take(&edge).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, newServiceError(opAncestorChain, "parent_lookup_failed", err)
		}
		current = edge.ParentUserID
	}
	return chain, nil
}

// CenterLinks lists the materialized descendants of a center ordered by
// depth then rank, paginated for the reporting surface.
func (s *Service) CenterLinks(ctx context.Context, centerUserID int64, offset, limit int) ([]CenterLink, error) {
	if limit <= 0 {
		limit = 100
	}
	var links []CenterLink
	err := s.db.WithContext(ctx).
		Where("center_user_id = ?", centerUserID).
		Order("distance ASC, rank ASC").
		Offset(offset).
		Limit(limit).
		Find(&links).Error
	if err != nil {
		return nil, newServiceError(opCenterLinks, "query_failed", err)
	}
	return links, nil
}

// DirectReferralCount counts a user's direct children.
func (s *Service) DirectReferralCount(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Edge{}).
		Where("parent_user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return 0, newServiceError(opDirectCount, "count_failed", err)
	}
	return count, nil
}
