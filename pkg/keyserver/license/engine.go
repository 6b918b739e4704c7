package license

import (
	"fmt"
	"time"

	"github.com/ransxm/keyserver/pkg/keyserver/models"
)

// Rejection reasons reported to the client. These are expected outcomes
// of normal operation, never server faults.
const (
	ReasonNoKey        = "No key provided"
	ReasonInvalidKey   = "Invalid key"
	ReasonExpired      = "Key has expired"
	ReasonRegistration = "Key requires registration. Please register to activate your key."
	ReasonDeviceLocked = "Key is locked to another device"
	ReasonMaxUses      = "Key has reached maximum uses"
)

// Decision is the outcome of evaluating a key against a validation
// request. It carries both the verdict and the mutations the caller must
// apply to the store.
type Decision struct {
	Valid                bool
	Reason               string
	RequiresRegistration bool

	// MarkExpired is set when the expiry passed and the key's status
	// must transition to expired (write-on-read).
	MarkExpired bool
	// BindHWID is set on a first activation: the supplied device id
	// must be persisted on the key.
	BindHWID bool
	// HWIDMatched is set when the supplied device id already owns the
	// key. A returning device bypasses the usage ceiling and never
	// increments the counter.
	HWIDMatched bool
	// IncrementUse is set when the usage counter must be incremented
	// along with last_used.
	IncrementUse bool
}

func reject(reason string) Decision {
	return Decision{Reason: reason}
}

// Evaluate runs the validation decision sequence for a fetched key.
// The hwid may be empty for legacy clients that send no device id, which
// skips device binding entirely. Evaluate performs no I/O; the caller
// applies the planned mutations.
func Evaluate(k *models.Key, hwid string, now time.Time) Decision {
	if k.Status != models.KeyStatusActive {
		return reject("Key is " + string(k.Status))
	}

	if k.Expired(now) {
		d := reject(ReasonExpired)
		d.MarkExpired = true
		return d
	}

	needsValidation := !k.SkipValidation && k.Tier != models.KeyTierElevated
	if needsValidation && !k.Validated {
		d := reject(ReasonRegistration)
		d.RequiresRegistration = true
		return d
	}

	d := Decision{Valid: true}

	// Device binding is checked before the usage ceiling so a device
	// that already owns the key can always re-authenticate: max_uses
	// caps activations, not logins.
	if hwid != "" {
		switch {
		case k.HWID == "":
			d.BindHWID = true
		case k.HWID == hwid:
			d.HWIDMatched = true
		default:
			return reject(ReasonDeviceLocked)
		}
	}

	if !d.HWIDMatched && k.MaxUses > 0 && k.CurrentUses >= k.MaxUses {
		return reject(ReasonMaxUses)
	}

	d.IncrementUse = !d.HWIDMatched
	return d
}

// TimeRemaining renders the time until expiry as days and hours
func TimeRemaining(expiresAt, now time.Time) string {
	diff := expiresAt.Sub(now)
	if diff < 0 {
		diff = 0
	}
	hours := int(diff.Hours())
	return fmt.Sprintf("%dd %dh", hours/24, hours%24)
}

// UsesRemaining computes the remaining activations from the pre-mutation
// record, or the literal "unlimited" for uncapped keys
func UsesRemaining(k *models.Key, incremented bool) any {
	if k.MaxUses == 0 {
		return "unlimited"
	}
	remaining := k.MaxUses - k.CurrentUses
	if incremented {
		remaining--
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
