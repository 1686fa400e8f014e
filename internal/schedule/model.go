package schedule

// MiningSchedule is one recurring policy firing. NextRunAtMs is advanced by
// the scheduler after each firing; everything else is operator-owned.
type MiningSchedule struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	Kind            string `gorm:"not null"`
	IntervalMinutes int
	DailyAtMinutes  int
	Timezone        string
	DaysOfWeekMask  int   `gorm:"not null;default:127"`
	NextRunAtMs     int64 `gorm:"not null;index:idx_mining_schedules_next_run"`
	PolicyID        int64
}

func (MiningSchedule) TableName() string {
	return "mining_schedules"
}

func (s MiningSchedule) nextRunInput() NextRunInput {
	return NextRunInput{
		Kind:            s.Kind,
		IntervalMinutes: s.IntervalMinutes,
		DailyAtMinutes:  s.DailyAtMinutes,
		Timezone:        s.Timezone,
		DaysOfWeekMask:  s.DaysOfWeekMask,
	}
}
