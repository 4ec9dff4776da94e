package audit

import "time"

// Outcome mencatat hasil sebuah keputusan atau mutasi.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeDeny    Outcome = "deny"
	OutcomeError   Outcome = "error"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Action kinds written by the engine.
const (
	KindCheck            = "check"
	KindGrant            = "grant"
	KindRevoke           = "revoke"
	KindCopy             = "copy"
	KindBatchGrant       = "batch_grant"
	KindBatchRevoke      = "batch_revoke"
	KindBatchCopy        = "batch_copy"
	KindDelegateCreate   = "delegate_create"
	KindDelegateRevoke   = "delegate_revoke"
	KindDelegationExpire = "delegation_expire"
	KindDirectorySync    = "directory_sync"
)

// Entry adalah satu baris audit append-only.
type Entry struct {
	ID         int64          `json:"id"`
	SubjectID  string         `json:"subject_id"`
	MenuCode   string         `json:"menu_code"`
	ActionKind string         `json:"action_kind"`
	Outcome    Outcome        `json:"outcome"`
	Actor      string         `json:"actor"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// TimelineFilters menampung filter dasar untuk audit timeline.
type TimelineFilters struct {
	From       time.Time
	To         time.Time
	Actor      string
	Subject    string
	Menu       string
	ActionKind string
	Outcome    string
	Page       int
	PageSize   int
}

// TimelineQuery is the repository-level window after paging is applied.
type TimelineQuery struct {
	TimelineFilters
	Offset int
	Limit  int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []Entry    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}

// DenialHotspot counts denials for one subject and menu inside a window.
type DenialHotspot struct {
	SubjectID string    `json:"subject_id"`
	MenuCode  string    `json:"menu_code"`
	Denials   int       `json:"denials"`
	LastAt    time.Time `json:"last_at"`
}
