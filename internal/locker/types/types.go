package types

import "time"

// LockCommand is the last instruction the engine intends the hardware to
// execute.  It is written by the engine and consumed by the embedded
// controller; the controller acknowledges by reporting state (see LockState).
type LockCommand string

const (
	CommandNone   LockCommand = "NONE"
	CommandLock   LockCommand = "LOCK"
	CommandUnlock LockCommand = "UNLOCK"
)

// LockState is the last state the hardware actually reported.  It may lag
// LockCommand while a command is in flight; the two are never assumed equal.
type LockState string

const (
	StateUnknown  LockState = "UNKNOWN"
	StateLocked   LockState = "LOCKED"
	StateUnlocked LockState = "UNLOCKED"
)

// Action identifies a state-changing operation in the audit log.
type Action string

const (
	ActionAssigned     Action = "ASSIGNED"
	ActionReleased     Action = "RELEASED"
	ActionLock         Action = "LOCK"
	ActionUnlock       Action = "UNLOCK"
	ActionForceUnlock  Action = "ADMIN_FORCE_UNLOCK"
	ActionForceLock    Action = "ADMIN_FORCE_LOCK"
	ActionForceRelease Action = "ADMIN_FORCE_RELEASE"
)

// Locker is the authoritative record for one physical unit.
//
// Invariant: Available == true exactly when AssignedUserID == "".
type Locker struct {
	ID              string      `json:"locker_id"`
	Available       bool        `json:"is_available"`
	AssignedUserID  string      `json:"assigned_user_id,omitempty"`
	LockCommand     LockCommand `json:"lock_command"`
	CurrentState    LockState   `json:"current_state"`
	QRToken         string      `json:"-"`
	LastAccess      time.Time   `json:"last_access,omitempty"`
	LastStateReport time.Time   `json:"last_state_report,omitempty"`

	// Version guards compare-and-swap writes.  Zero means the record has
	// not been stored yet.
	Version int64 `json:"-"`
}

// User mirrors the profile the identity provider establishes.
// AssignedLockerID always equals the id of the locker (if any) whose
// AssignedUserID is this user; the store updates both sides atomically.
type User struct {
	ID               string `json:"user_id"`
	Email            string `json:"email"`
	DisplayName      string `json:"display_name"`
	AssignedLockerID string `json:"assigned_locker_id,omitempty"`
	Admin            bool   `json:"is_admin"`
	Version          int64  `json:"-"`
}

// LogEntry is one immutable audit record.  Seq is assigned by the store at
// append time and matches commit order.
type LogEntry struct {
	Seq      int64     `json:"seq"`
	ActorID  string    `json:"actor_id"`
	LockerID string    `json:"locker_id"`
	Action   Action    `json:"action"`
	At       time.Time `json:"at"`
	Success  bool      `json:"success"`
}

// Topics carried on the change-notification bus.
const (
	TopicLockers = "lockers"
	TopicUsers   = "users"
	TopicLogs    = "logs"
)

// Event is one change delta (or snapshot element) on the notification bus.
// Exactly one of Locker, User and Log is set, matching Topic.
type Event struct {
	Topic  string    `json:"topic"`
	ID     string    `json:"id"`
	Locker *Locker   `json:"locker,omitempty"`
	User   *User     `json:"user,omitempty"`
	Log    *LogEntry `json:"log,omitempty"`
}

// ── HTTP payloads ────────────────────────────────────────────────────────────

type ReserveRequest struct {
	Token string `json:"token"`
}

type CommandRequest struct {
	Command LockCommand `json:"command"`
}

type ProvisionLockerRequest struct {
	LockerID string `json:"locker_id"`
	QRToken  string `json:"qr_token"`
}

type TelemetryRequest struct {
	LockerID   string    `json:"locker_id"`
	State      LockState `json:"state"`
	DeviceTime string    `json:"device_time,omitempty"` // optional device timestamp
}

type TelemetryResponse struct {
	OK         bool   `json:"ok"`
	LockerID   string `json:"locker_id"`
	ServerTime string `json:"server_time"`
}
