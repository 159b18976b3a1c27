package taskstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Storage wraps the gorm handle and is the only component allowed to touch
// the database directly. Schema migrations are additive only: AutoMigrate
// never drops or renames a column.
type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (creating if absent) the sqlite-backed relational store
// and runs additive migrations for every table the engine owns.
func NewStorage(path string, logger *slog.Logger) (*Storage, error) {
	gl := gormlogger.Default.LogMode(gormlogger.Silent)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if err := db.AutoMigrate(&Task{}, &ProgressRow{}, &SubscriptionRow{}, &AppSetting{}, &DailyStat{}); err != nil {
		return nil, fmt.Errorf("migrate storage: %w", err)
	}

	return &Storage{DB: db}, nil
}

// --- Task persistence -------------------------------------------------

// SaveTask upserts a task row (used on every Task Registry mutation).
func (s *Storage) SaveTask(t Task) error {
	return s.DB.Save(&t).Error
}

// GetTask fetches a task by tid, including soft-deleted (Removed) rows when
// includeRemoved is set (the Touch-with-token path needs this).
func (s *Storage) GetTask(tid uint32, includeRemoved bool) (Task, error) {
	var t Task
	q := s.DB
	if includeRemoved {
		q = q.Unscoped()
	}
	err := q.First(&t, "tid = ?", tid).Error
	return t, err
}

// GetAllTasks returns every non-removed task, used to re-hydrate the
// registry on service start.
func (s *Storage) GetAllTasks() ([]Task, error) {
	var tasks []Task
	err := s.DB.Find(&tasks).Error
	return tasks, err
}

// SearchTasks filters tasks by the Search(filter) criteria in §4.1.
type SearchFilter struct {
	Bundle      string
	State       State
	Action      Action
	Mode        Mode
	GroupID     string
	CTimeAfter  int64
	CTimeBefore int64
}

func (s *Storage) SearchTasks(f SearchFilter) ([]Task, error) {
	q := s.DB.Model(&Task{})
	if f.Bundle != "" {
		q = q.Where("bundle = ?", f.Bundle)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Mode != "" {
		q = q.Where("mode = ?", f.Mode)
	}
	if f.GroupID != "" {
		q = q.Where("group_id = ?", f.GroupID)
	}
	if f.CTimeAfter > 0 {
		q = q.Where("c_time >= ?", f.CTimeAfter)
	}
	if f.CTimeBefore > 0 {
		q = q.Where("c_time <= ?", f.CTimeBefore)
	}
	var tasks []Task
	err := q.Order("priority asc, c_time asc").Find(&tasks).Error
	return tasks, err
}

// GroupExists reports whether any task (visible or soft-deleted) ever
// carried groupID, used to distinguish an empty-but-valid group from a
// group id that was never assigned to anything.
func (s *Storage) GroupExists(groupID string) (bool, error) {
	var count int64
	err := s.DB.Unscoped().Model(&Task{}).Where("group_id = ?", groupID).Count(&count).Error
	return count > 0, err
}

// RemoveTask soft-deletes a task row (State transition to Removed is applied
// by the caller before this is invoked; this only hides it from enumeration).
func (s *Storage) RemoveTask(tid uint32) error {
	return s.DB.Delete(&Task{}, "tid = ?", tid).Error
}

// CountByBundleAndState is used by the registry to enforce per-bundle queue
// quotas; the scheduler keeps its own in-memory counts for K_bundle.
func (s *Storage) CountByBundleAndState(bundle string, state State) (int64, error) {
	var n int64
	err := s.DB.Model(&Task{}).Where("bundle = ? AND state = ?", bundle, state).Count(&n).Error
	return n, err
}

// --- Progress persistence ----------------------------------------------

func (s *Storage) SaveProgress(p ProgressRow) error {
	return s.DB.Save(&p).Error
}

func (s *Storage) GetProgress(tid uint32) (ProgressRow, error) {
	var p ProgressRow
	err := s.DB.First(&p, "tid = ?", tid).Error
	return p, err
}

// --- Subscriptions -------------------------------------------------------

func (s *Storage) AddSubscription(row SubscriptionRow) error {
	return s.DB.Create(&row).Error
}

func (s *Storage) RemoveSubscription(channelID string, tid uint32, mask uint32) error {
	return s.DB.Where("channel_id = ? AND tid = ? AND event_mask = ?", channelID, tid, mask).
		Delete(&SubscriptionRow{}).Error
}

func (s *Storage) SubscriptionsForTask(tid uint32) ([]SubscriptionRow, error) {
	var rows []SubscriptionRow
	err := s.DB.Where("tid = ?", tid).Find(&rows).Error
	return rows, err
}

func (s *Storage) RemoveSubscriptionsForChannel(channelID string) error {
	return s.DB.Where("channel_id = ?", channelID).Delete(&SubscriptionRow{}).Error
}

// --- Daily transfer stats -------------------------------------------------

// IncrementDailyBytes upserts the running byte total for today's DailyStat.
func (s *Storage) IncrementDailyBytes(date string, n int64) error {
	return s.DB.Exec(
		`INSERT INTO daily_stats (date, bytes, files) VALUES (?, ?, 0)
		 ON CONFLICT(date) DO UPDATE SET bytes = bytes + excluded.bytes`,
		date, n,
	).Error
}

// IncrementDailyFiles upserts today's completed-file count.
func (s *Storage) IncrementDailyFiles(date string) error {
	return s.DB.Exec(
		`INSERT INTO daily_stats (date, bytes, files) VALUES (?, 0, 1)
		 ON CONFLICT(date) DO UPDATE SET files = files + 1`,
		date,
	).Error
}

// DailyHistory returns every recorded day, most recent first.
func (s *Storage) DailyHistory() ([]DailyStat, error) {
	var rows []DailyStat
	err := s.DB.Order("date desc").Find(&rows).Error
	return rows, err
}

// TotalLifetimeBytes sums bytes across every recorded day.
func (s *Storage) TotalLifetimeBytes() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Row().Scan(&total)
	return total, err
}

// TotalLifetimeFiles sums files across every recorded day.
func (s *Storage) TotalLifetimeFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Row().Scan(&total)
	return total, err
}

// --- Key/value settings --------------------------------------------------

// GetString retrieves one setting; callers apply their own default when the
// error is gorm's record-not-found.
func (s *Storage) GetString(key string) (string, error) {
	var row AppSetting
	err := s.DB.First(&row, "key = ?", key).Error
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

func (s *Storage) SetString(key, value string) error {
	row := AppSetting{Key: key, Value: value}
	return s.DB.Save(&row).Error
}

func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil || val == "" {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(val), &list); err != nil {
		// Older rows may have been written as a comma-joined string; fall
		// back rather than surfacing a parse error to every caller.
		return strings.Split(val, ","), nil
	}
	return list, nil
}

func (s *Storage) SetStringList(key string, list []string) error {
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.SetString(key, string(b))
}
