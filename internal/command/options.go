// ABOUTME: Tunables for the command lifecycle manager with their defaults.
// ABOUTME: Timeout, retry, confirmation and offline-dispatch policy.

package command

import "time"

// OfflinePolicy decides what happens to a command whose device is offline at
// dispatch time.
type OfflinePolicy string

const (
	// OfflineKeepPending leaves the command pending for a later dispatch.
	OfflineKeepPending OfflinePolicy = "keep_pending"
	// OfflineFail finalizes the command as error with AGENT_OFFLINE.
	OfflineFail OfflinePolicy = "fail"
)

// Valid reports whether p is a known policy.
func (p OfflinePolicy) Valid() bool {
	return p == OfflineKeepPending || p == OfflineFail
}

// Options configures a Manager.
type Options struct {
	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	MaxTimeout     time.Duration

	DefaultMaxRetries int
	MaxRetriesCap     int
	RetryBase         time.Duration
	RetryMax          time.Duration

	ConfirmTimeout    time.Duration
	MaxConfirmTimeout time.Duration
	// ConfirmDevices lists the device ids allowed to answer confirmation
	// requests over the agent stream. Empty means none are.
	ConfirmDevices []string

	// DispatchGrace is added to a command's timeout to get the deadline for
	// its result. A dispatched command with no result by then is finalized
	// as agent_crashed.
	DispatchGrace time.Duration

	// PreviewSize bounds the stored output preview in bytes.
	PreviewSize int

	OfflinePolicy OfflinePolicy
	// RedispatchOnConnect dispatches a device's pending commands when it
	// connects.
	RedispatchOnConnect bool
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout:      300 * time.Second,
		MinTimeout:          time.Second,
		MaxTimeout:          30 * time.Minute,
		DefaultMaxRetries:   1,
		MaxRetriesCap:       10,
		RetryBase:           time.Second,
		RetryMax:            30 * time.Second,
		ConfirmTimeout:      60 * time.Second,
		MaxConfirmTimeout:   10 * time.Minute,
		DispatchGrace:       30 * time.Second,
		PreviewSize:         4000,
		OfflinePolicy:       OfflineKeepPending,
		RedispatchOnConnect: true,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = d.DefaultTimeout
	}
	if o.MinTimeout <= 0 {
		o.MinTimeout = d.MinTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = d.MaxTimeout
	}
	if o.DefaultMaxRetries < 0 {
		o.DefaultMaxRetries = 0
	}
	if o.MaxRetriesCap <= 0 {
		o.MaxRetriesCap = d.MaxRetriesCap
	}
	if o.RetryBase <= 0 {
		o.RetryBase = d.RetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = d.RetryMax
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = d.ConfirmTimeout
	}
	if o.MaxConfirmTimeout <= 0 {
		o.MaxConfirmTimeout = d.MaxConfirmTimeout
	}
	if o.DispatchGrace <= 0 {
		o.DispatchGrace = d.DispatchGrace
	}
	if o.PreviewSize <= 0 {
		o.PreviewSize = d.PreviewSize
	}
	if !o.OfflinePolicy.Valid() {
		o.OfflinePolicy = d.OfflinePolicy
	}
	return o
}
