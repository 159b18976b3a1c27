// Package taskstore implements the Task Registry (C1): the persisted
// mapping of tid to Task, its auxiliary indexes, and the relational schema
// backing it.
package taskstore

import (
	"encoding/json"
	"time"

	"transferengine/internal/statemachine"

	"gorm.io/gorm"
)

// State and Reason are re-exported from the state machine package so
// callers working purely with task data don't need a second import.
type State = statemachine.State
type Reason = statemachine.Reason

// Action is the transfer direction of a task's Config.
type Action string

const (
	ActionDownload Action = "download"
	ActionUpload   Action = "upload"
)

// Mode is the task's scheduling/lifetime policy axis, independent of
// whether the owning bundle is currently foreground.
type Mode string

const (
	ModeForeground Mode = "foreground"
	ModeBackground Mode = "background"
)

// NetworkPolicy constrains which network types a task may run on.
type NetworkPolicy string

const (
	NetworkAny      NetworkPolicy = "any"
	NetworkWifi     NetworkPolicy = "wifi"
	NetworkCellular NetworkPolicy = "cellular"
)

// VersionTag selects legacy (V9) vs current (V10) client-visible error
// semantics at the IPC boundary. The state machine itself is version-agnostic.
type VersionTag string

const (
	VersionV9  VersionTag = "V9"
	VersionV10 VersionTag = "V10"
)

// HeaderMap is a multimap of string to string, stored as a JSON blob.
type HeaderMap map[string][]string

// FormField is one name/value pair of a multipart upload body.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FileSpec describes one file participating in an upload, or the single
// target file of a download.
type FileSpec struct {
	LogicalName string `json:"logicalName"`
	URI         string `json:"uri"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	FD          int    `json:"fd,omitempty"` // user-supplied descriptor, -1 if none
	UserFile    bool   `json:"userFile"`

	// ExpectedHash, when non-empty, is checked against HashAlgorithm
	// ("sha256" or "md5") once a download completes, before it commits to
	// its final name.
	ExpectedHash string `json:"expectedHash,omitempty"`
	HashAlgorithm string `json:"hashAlgorithm,omitempty"`
}

// ByteRange is the requested slice of the resource; Ends == -1 means open-ended.
type ByteRange struct {
	Begins int64 `json:"begins"`
	Ends   int64 `json:"ends"`
}

// Options groups the boolean/enum knobs a Config carries beyond the
// direction, URL and body shape.
type Options struct {
	Overwrite       bool          `json:"overwrite"`
	NetworkPolicy   NetworkPolicy `json:"networkPolicy"`
	MeteredAllowed  bool          `json:"meteredAllowed"`
	RoamingAllowed  bool          `json:"roamingAllowed"`
	RetryEnabled    bool          `json:"retryEnabled"`
	RedirectEnabled bool          `json:"redirectEnabled"`
	Background      bool          `json:"background"`
	Gauge           bool          `json:"gauge"`
	Precise         bool          `json:"precise"`
}

// Config is the immutable-after-creation description of what to transfer.
type Config struct {
	Action      Action        `json:"action"`
	Mode        Mode          `json:"mode"`
	URL         string        `json:"url"`
	Method      string        `json:"method"`
	Headers     HeaderMap     `json:"headers"`
	FormFields  []FormField   `json:"formFields"`
	FileSpecs   []FileSpec    `json:"fileSpecs"`
	Range       ByteRange     `json:"range"`
	Options     Options       `json:"options"`
	Priority    uint32        `json:"priority"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Token       string        `json:"token"`
	Bundle      string        `json:"bundle"`
	GroupID     string        `json:"groupId,omitempty"`
	Version     VersionTag    `json:"version"`
}

// FileTaskState is the per-file bookkeeping reported back to clients.
type FileTaskState struct {
	Path         string `json:"path"`
	ResponseCode int    `json:"responseCode"`
	Message      string `json:"message"`
}

// Progress is the mutable transfer cursor. File-index/processed/sizes are
// advanced exclusively by the Transfer Engine (C4); the Registry only
// persists what it's given.
type Progress struct {
	State      State             `json:"state"`
	FileIndex  int               `json:"fileIndex"`
	Processed  int64             `json:"processed"`
	Sizes      []int64           `json:"sizes"`
	Extras     map[string]string `json:"extras"`
	BodyBytes  []byte            `json:"bodyBytes,omitempty"`
}

// Counters tracks attempt and timing bookkeeping independent of Progress.
type Counters struct {
	Tries      int    `json:"tries"`
	CTime      int64  `json:"ctime"` // unix millis
	MTime      int64  `json:"mtime"` // unix millis
	LastReason Reason `json:"lastReason"`
}

// Task is the gorm-persisted row for one task. Config/Progress/Counters and
// the per-file Taskstates are flattened into JSON blob columns, following
// the donor's "config blob" / "sizes blob" persistence convention.
type Task struct {
	Tid uint32 `gorm:"primaryKey;autoIncrement:false"`

	Bundle   string `gorm:"index"`
	Action   Action `gorm:"index"`
	Mode     Mode
	Priority uint32 `gorm:"index"`
	State    State  `gorm:"index"`
	Reason   Reason
	CTime    int64 `gorm:"index"`
	MTime    int64
	GroupID  string `gorm:"index"` // denormalized from Config.GroupID for Search(filter)'s group-id lookup

	ConfigBlob string `gorm:"type:text"` // JSON-encoded Config
	TaskStates string `gorm:"type:text"` // JSON-encoded []FileTaskState

	DeletedAt gorm.DeletedAt `gorm:"index"` // soft-delete backs Removed visibility rules
}

// TableName pins the gorm table name to the relational schema the spec names.
func (Task) TableName() string { return "tasks" }

// ProgressRow is the Progress table: tid FK, file index, processed bytes,
// sizes/extras/body-bytes blobs.
type ProgressRow struct {
	Tid        uint32 `gorm:"primaryKey;autoIncrement:false"`
	FileIndex  int
	Processed  int64
	SizesBlob  string `gorm:"type:text"`
	ExtrasBlob string `gorm:"type:text"`
	BodyBytes  []byte `gorm:"type:blob"`
	Tries      int
	LastReason Reason
}

func (ProgressRow) TableName() string { return "progress" }

// SubscriptionRow backs the (channel, tid, kind) subscription table.
type SubscriptionRow struct {
	ID               uint   `gorm:"primaryKey"`
	Tid              uint32 `gorm:"index"`
	SubscriberBundle string `gorm:"index"`
	ChannelID        string `gorm:"index"`
	EventMask        uint32
}

func (SubscriptionRow) TableName() string { return "subscriptions" }

// AppSetting is the ambient key-value settings table used by ServiceConfig.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// DailyStat is one calendar day's transfer totals, upserted as completions
// land; it backs the analytics package's history and lifetime rollups.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // YYYY-MM-DD, local to the host
	Bytes int64
	Files int64
}

func (DailyStat) TableName() string { return "daily_stats" }

// DecodeConfig unmarshals the stored config blob.
func (t *Task) DecodeConfig() (Config, error) {
	var c Config
	if t.ConfigBlob == "" {
		return c, nil
	}
	err := json.Unmarshal([]byte(t.ConfigBlob), &c)
	return c, err
}

// EncodeConfig marshals cfg into the task's config blob column.
func (t *Task) EncodeConfig(cfg Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	t.ConfigBlob = string(b)
	return nil
}

// DecodeTaskStates unmarshals the per-file state slice.
func (t *Task) DecodeTaskStates() ([]FileTaskState, error) {
	var s []FileTaskState
	if t.TaskStates == "" {
		return s, nil
	}
	err := json.Unmarshal([]byte(t.TaskStates), &s)
	return s, err
}

// EncodeTaskStates marshals states into the task's blob column.
func (t *Task) EncodeTaskStates(states []FileTaskState) error {
	b, err := json.Marshal(states)
	if err != nil {
		return err
	}
	t.TaskStates = string(b)
	return nil
}

// nowMillis returns the current wall-clock time (time.Now()) in Unix
// milliseconds.
func nowMillis() int64 { return time.Now().UnixMilli() }

// ToProgressRow flattens p into the persisted row shape for tid. State is
// deliberately not carried here: the Task row is its sole owner.
func (p Progress) ToProgressRow(tid uint32, tries int, lastReason Reason) (ProgressRow, error) {
	sizesBlob, err := json.Marshal(p.Sizes)
	if err != nil {
		return ProgressRow{}, err
	}
	extrasBlob, err := json.Marshal(p.Extras)
	if err != nil {
		return ProgressRow{}, err
	}
	return ProgressRow{
		Tid:        tid,
		FileIndex:  p.FileIndex,
		Processed:  p.Processed,
		SizesBlob:  string(sizesBlob),
		ExtrasBlob: string(extrasBlob),
		BodyBytes:  p.BodyBytes,
		Tries:      tries,
		LastReason: lastReason,
	}, nil
}

// Decode expands a persisted row back into a Progress value.
func (p ProgressRow) Decode() (Progress, error) {
	var sizes []int64
	if p.SizesBlob != "" {
		if err := json.Unmarshal([]byte(p.SizesBlob), &sizes); err != nil {
			return Progress{}, err
		}
	}
	var extras map[string]string
	if p.ExtrasBlob != "" {
		if err := json.Unmarshal([]byte(p.ExtrasBlob), &extras); err != nil {
			return Progress{}, err
		}
	}
	return Progress{
		FileIndex: p.FileIndex,
		Processed: p.Processed,
		Sizes:     sizes,
		Extras:    extras,
		BodyBytes: p.BodyBytes,
	}, nil
}
