package referral

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:referral_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}, &Edge{}, &CenterLink{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct referral service: %v", err)
	}
	return service, db
}

func mustEdge(t *testing.T, db *gorm.DB, parentID, childID int64) {
	t.Helper()
	edge := Edge{ParentUserID: parentID, ChildUserID: childID, CreatedAtSeconds: 1700000000}
	if err := db.Create(&edge).Error; err != nil {
		t.Fatalf("failed to seed edge %d->%d: %v", parentID, childID, err)
	}
}

func loadLinks(t *testing.T, db *gorm.DB, centerUserID int64) []CenterLink {
	t.Helper()
	var links []CenterLink
	if err := db.Where("center_user_id = ?", centerUserID).
		Order("distance ASC, rank ASC").Find(&links).Error; err != nil {
		t.Fatalf("failed to load links: %v", err)
	}
	return links
}

func TestRebuildMaterializesEveryDescendantOnce(t *testing.T) {
	service, db := newTestService(t)

	// 1 sponsors 2 and 3; 2 sponsors 4 and 5; 4 sponsors 6.
	mustEdge(t, db, 1, 2)
	mustEdge(t, db, 1, 3)
	mustEdge(t, db, 2, 4)
	mustEdge(t, db, 2, 5)
	mustEdge(t, db, 4, 6)

	result, err := service.Rebuild(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}
	if result.CreatedCount != 5 {
		t.Fatalf("expected 5 links created, got %d", result.CreatedCount)
	}

	links := loadLinks(t, db, 1)
	if len(links) != 5 {
		t.Fatalf("expected 5 links stored, got %d", len(links))
	}

	expectedDistances := map[int64]int{2: 1, 3: 1, 4: 2, 5: 2, 6: 3}
	seen := map[int64]bool{}
	for _, link := range links {
		if seen[link.UserID] {
			t.Fatalf("user %d appears more than once", link.UserID)
		}
		seen[link.UserID] = true
		if expectedDistances[link.UserID] != link.Distance {
			t.Fatalf("user %d: expected distance %d, got %d", link.UserID, expectedDistances[link.UserID], link.Distance)
		}
	}
}

func TestRebuildRanksAreDenseAndOrderedByUserID(t *testing.T) {
	service, db := newTestService(t)

	mustEdge(t, db, 1, 9)
	mustEdge(t, db, 1, 3)
	mustEdge(t, db, 1, 7)

	if _, err := service.Rebuild(context.Background(), 1); err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}

	links := loadLinks(t, db, 1)
	if len(links) != 3 {
		t.Fatalf("expected 3 links, got %d", len(links))
	}
	expectedOrder := []int64{3, 7, 9}
	for index, link := range links {
		if link.Rank != index+1 {
			t.Fatalf("expected dense rank %d, got %d", index+1, link.Rank)
		}
		if link.UserID != expectedOrder[index] {
			t.Fatalf("rank %d: expected user %d, got %d", link.Rank, expectedOrder[index], link.UserID)
		}
	}
}

func TestRebuildIsIdempotentOverUnchangedEdges(t *testing.T) {
	service, db := newTestService(t)

	mustEdge(t, db, 1, 2)
	mustEdge(t, db, 2, 3)
	mustEdge(t, db, 2, 4)

	if _, err := service.Rebuild(context.Background(), 1); err != nil {
		t.Fatalf("unexpected first rebuild error: %v", err)
	}
	first := loadLinks(t, db, 1)

	second, err := service.Rebuild(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected second rebuild error: %v", err)
	}
	if second.CreatedCount != len(first) {
		t.Fatalf("expected %d links recreated, got %d", len(first), second.CreatedCount)
	}

	reloaded := loadLinks(t, db, 1)
	if len(reloaded) != len(first) {
		t.Fatalf("expected identical link count, got %d vs %d", len(reloaded), len(first))
	}
	for index := range first {
		if first[index].UserID != reloaded[index].UserID ||
			first[index].Distance != reloaded[index].Distance ||
			first[index].Rank != reloaded[index].Rank {
			t.Fatalf("link %d differs after rebuild: %+v vs %+v", index, first[index], reloaded[index])
		}
	}
}

func TestRebuildSurvivesCyclicEdgeData(t *testing.T) {
	service, db := newTestService(t)

	// Corrupted data: 3 points back at 1.
	mustEdge(t, db, 1, 2)
	mustEdge(t, db, 2, 3)
	mustEdge(t, db, 3, 1)

	result, err := service.Rebuild(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}
	if result.CreatedCount != 2 {
		t.Fatalf("expected cycle to be cut at 2 links, got %d", result.CreatedCount)
	}
}

func TestRebuildReplacesPriorIndex(t *testing.T) {
	service, db := newTestService(t)

	stale := CenterLink{CenterUserID: 1, UserID: 99, Distance: 1, Rank: 1}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("failed to seed stale link: %v", err)
	}
	mustEdge(t, db, 1, 2)

	if _, err := service.Rebuild(context.Background(), 1); err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}

	links := loadLinks(t, db, 1)
	if len(links) != 1 || links[0].UserID != 2 {
		t.Fatalf("expected stale link replaced, got %+v", links)
	}
}

func TestAttachSponsorRejectsSecondParent(t *testing.T) {
	service, _ := newTestService(t)

	if _, err := service.AttachSponsor(context.Background(), 1, 2); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	_, err := service.AttachSponsor(context.Background(), 3, 2)
	if !errors.Is(err, ErrAlreadySponsored) {
		t.Fatalf("expected ErrAlreadySponsored, got %v", err)
	}
}

func TestAttachSponsorRejectsSelfSponsor(t *testing.T) {
	service, _ := newTestService(t)

	if _, err := service.AttachSponsor(context.Background(), 5, 5); err == nil {
		t.Fatalf("expected self sponsor to be rejected")
	}
}

func TestAncestorChainIncludesOriginAndHonorsDepth(t *testing.T) {
	service, db := newTestService(t)

	mustEdge(t, db, 1, 2)
	mustEdge(t, db, 2, 3)
	mustEdge(t, db, 3, 4)

	chain, err := service.AncestorChain(context.Background(), 4, 3, 0)
	if err != nil {
		t.Fatalf("unexpected chain error: %v", err)
	}
	expected := []int64{4, 3, 2}
	if len(chain) != len(expected) {
		t.Fatalf("expected chain %v, got %v", expected, chain)
	}
	for index := range expected {
		if chain[index] != expected[index] {
			t.Fatalf("expected chain %v, got %v", expected, chain)
		}
	}
}

func TestAncestorChainStopsAtConfiguredUser(t *testing.T) {
	service, db := newTestService(t)

	mustEdge(t, db, 1, 2)
	mustEdge(t, db, 2, 3)
	mustEdge(t, db, 3, 4)

	chain, err := service.AncestorChain(context.Background(), 4, 10, 3)
	if err != nil {
		t.Fatalf("unexpected chain error: %v", err)
	}
	if len(chain) != 2 || chain[0] != 4 || chain[1] != 3 {
		t.Fatalf("expected walk to stop at user 3, got %v", chain)
	}
}
