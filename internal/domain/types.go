// Package domain holds the four persistent entities as plain structs.
// They carry json tags for store.Store's JSON-document encoding and
// are shared by every model package (piv, recoverytoken,
// recoveryconfig, orchestrator) instead of each package declaring its
// own copy, since the cross-package invariants only make sense over
// one shared shape.
package domain

import "time"

// PubKeys is the record of a PIV token's three key slots. 9E is the
// authentication key and is the only one required.
type PubKeys struct {
	A9A string `json:"9a,omitempty"`
	D9D string `json:"9d,omitempty"`
	E9E string `json:"9e"`
}

// Attestation mirrors PubKeys but holds certificates instead of raw
// public keys; both fields are optional on a PIVToken.
type Attestation struct {
	A9A string `json:"9a,omitempty"`
	D9D string `json:"9d,omitempty"`
	E9E string `json:"9e,omitempty"`
}

// PIVToken is one compute node's hardware security token.
type PIVToken struct {
	GUID        string       `json:"guid"`
	CNUUID      string       `json:"cn_uuid"`
	Serial      string       `json:"serial,omitempty"`
	Model       string       `json:"model,omitempty"`
	PubKeys     PubKeys      `json:"pubkeys"`
	Attestation *Attestation `json:"attestation,omitempty"`
	PIN         string       `json:"pin,omitempty"`
	Created     time.Time    `json:"created"`
	// LastSeen is stamped by piv.Manager.Update (the cn_uuid update).
	// Purely informational: no FSM or invariant logic reads it.
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Public strips fields never returned from the unauthenticated Get/List
// endpoints.
func (p PIVToken) Public() PIVToken {
	p.PIN = ""
	return p
}

// RecoveryToken is one shared secret in a PIV token's recovery chain.
type RecoveryToken struct {
	UUID                  string     `json:"uuid"`
	PIVToken              string     `json:"pivtoken"`
	RecoveryConfiguration string     `json:"recovery_configuration"`
	Token                 string     `json:"token,omitempty"`
	Created               time.Time  `json:"created"`
	Staged                *time.Time `json:"staged,omitempty"`
	Activated             *time.Time `json:"activated,omitempty"`
	Expired               *time.Time `json:"expired,omitempty"`
}

// Public strips the raw token body, never exposed outside the model
// layer once a token has been created.
func (t RecoveryToken) Public() RecoveryToken {
	t.Token = ""
	return t
}

// IsOpen reports whether the token has neither been staged, activated
// nor expired.
func (t RecoveryToken) IsOpen() bool {
	return t.Staged == nil && t.Activated == nil && t.Expired == nil
}

// RecoveryConfigState is the FSM state derived from a configuration's
// timestamp fields; transient states are never persisted as a field
// of their own.
type RecoveryConfigState string

const (
	StateNew     RecoveryConfigState = "new"
	StateCreated RecoveryConfigState = "created"
	StateStaged  RecoveryConfigState = "staged"
	StateActive  RecoveryConfigState = "active"
	StateExpired RecoveryConfigState = "expired"
	StateRemoved RecoveryConfigState = "removed"
)

// RecoveryConfiguration is a single eBox template shared fleet-wide.
type RecoveryConfiguration struct {
	UUID      string     `json:"uuid"`
	Template  string     `json:"template"`
	Created   time.Time  `json:"created"`
	Staged    *time.Time `json:"staged,omitempty"`
	Activated *time.Time `json:"activated,omitempty"`
	Expired   *time.Time `json:"expired,omitempty"`
}

// State derives the configuration's FSM state from its timestamps, the
// single source of truth, so state survives crash recovery without a
// dedicated column.
func (c RecoveryConfiguration) State() RecoveryConfigState {
	switch {
	case c.Expired != nil:
		return StateExpired
	case c.Activated != nil:
		return StateActive
	case c.Staged != nil:
		return StateStaged
	case !c.Created.IsZero():
		return StateCreated
	default:
		return StateNew
	}
}

// TransitionName is one of the four fan-out actions a
// RecoveryConfigurationTransition can drive.
type TransitionName string

const (
	TransitionStage      TransitionName = "stage"
	TransitionUnstage    TransitionName = "unstage"
	TransitionActivate   TransitionName = "activate"
	TransitionDeactivate TransitionName = "deactivate"
)

// TargetError is one per-compute-node failure recorded on a transition.
type TargetError struct {
	Target  string `json:"target"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RecoveryConfigurationTransition is the durable record of one fan-out
// across the fleet.
type RecoveryConfigurationTransition struct {
	UUID               string          `json:"uuid"`
	RecoveryConfigUUID string          `json:"recovery_config_uuid"`
	Name               TransitionName  `json:"name"`
	Targets            []string        `json:"targets"`
	Completed          []string        `json:"completed"`
	TaskIDs            []string        `json:"taskids"`
	Errs               []TargetError   `json:"errs"`
	Concurrency        int             `json:"concurrency"`
	Standalone         bool            `json:"standalone"`
	Forced             bool            `json:"forced"`
	LockedBy           string          `json:"locked_by,omitempty"`
	Started            *time.Time      `json:"started,omitempty"`
	Finished           *time.Time      `json:"finished,omitempty"`
	Aborted            bool            `json:"aborted,omitempty"`
	// Attempts is a per-slice retry counter field; no code in this
	// repository sets it, and no FSM logic reads it.
	Attempts int `json:"attempts,omitempty"`
}

// Pending returns targets not yet in Completed.
func (t RecoveryConfigurationTransition) Pending() []string {
	done := make(map[string]bool, len(t.Completed))
	for _, c := range t.Completed {
		done[c] = true
	}
	var pending []string
	for _, target := range t.Targets {
		if !done[target] {
			pending = append(pending, target)
		}
	}
	return pending
}

// NonEmptyErrs filters out pruned empty-object placeholders left by a
// target that completed without error.
func (t RecoveryConfigurationTransition) NonEmptyErrs() []TargetError {
	var out []TargetError
	for _, e := range t.Errs {
		if e.Target == "" && e.Code == "" && e.Message == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Unfinished reports whether the transition still needs processing.
func (t RecoveryConfigurationTransition) Unfinished() bool {
	return t.Finished == nil && !t.Aborted
}

// ActiveRange is the retention interval recorded on a PIVTokenHistory
// row.
type ActiveRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PIVTokenHistory is an append-only archive of a deleted PIV token.
type PIVTokenHistory struct {
	GUID        string       `json:"guid"`
	CNUUID      string       `json:"cn_uuid"`
	Serial      string       `json:"serial,omitempty"`
	Model       string       `json:"model,omitempty"`
	PubKeys     PubKeys      `json:"pubkeys"`
	Attestation *Attestation `json:"attestation,omitempty"`
	Created     time.Time    `json:"created"`
	ActiveRange ActiveRange  `json:"active_range"`
}
