package referral

// User is the minimal node row the graph and leveling queries need. The
// surrounding CRUD layer owns account details and writes the accumulated
// sales columns; this core only reads them and advances Level.
type User struct {
	ID               int64 `gorm:"primaryKey;autoIncrement"`
	Level            int   `gorm:"not null;default:0"`
	NodeAmountUSD    string
	GroupSalesUSD    string
	CreatedAtSeconds int64
}

func (User) TableName() string {
	return "referral_users"
}

// Edge is a directed sponsor→member edge. Each user has at most one parent,
// enforced by the unique index on ChildUserID; edges are immutable once
// created.
type Edge struct {
	ID               int64 `gorm:"primaryKey;autoIncrement"`
	ParentUserID     int64 `gorm:"not null;index:idx_referral_edges_parent"`
	ChildUserID      int64 `gorm:"not null;uniqueIndex:uq_referral_edges_child"`
	CreatedAtSeconds int64
}

func (Edge) TableName() string {
	return "referral_edges"
}

// CenterLink is a derived row materializing one descendant of a center node:
// the hop count from the center and a dense 1-based rank within its depth.
// Rows are regenerated wholesale by Rebuild, never patched.
type CenterLink struct {
	ID               int64 `gorm:"primaryKey;autoIncrement"`
	CenterUserID     int64 `gorm:"not null;uniqueIndex:uq_center_links_pair,priority:1;index:idx_center_links_depth,priority:1"`
	UserID           int64 `gorm:"not null;uniqueIndex:uq_center_links_pair,priority:2"`
	Distance         int   `gorm:"not null;index:idx_center_links_depth,priority:2"`
	Rank             int   `gorm:"not null;column:rank"`
	CreatedAtSeconds int64
}

func (CenterLink) TableName() string {
	return "referral_center_links"
}
