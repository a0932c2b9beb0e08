package syncer

import "fmt"

// Capability is a provider+resource pairing tracked independently for sync.
type Capability string

const (
	CapGoogleCalendar    Capability = "calendar"
	CapGmail             Capability = "gmail"
	CapGoogleDrive       Capability = "drive"
	CapLocalFiles        Capability = "local_files"
	CapMicrosoftCalendar Capability = "microsoft_calendar"
	CapMicrosoftOutlook  Capability = "microsoft_outlook"
)

// Capabilities lists every known capability in a stable order.
var Capabilities = []Capability{
	CapGoogleCalendar,
	CapGmail,
	CapGoogleDrive,
	CapLocalFiles,
	CapMicrosoftCalendar,
	CapMicrosoftOutlook,
}

// ParseCapability validates a capability name from the API surface.
func ParseCapability(s string) (Capability, error) {
	for _, c := range Capabilities {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// RecordClass distinguishes what a provider's records normalize into.
type RecordClass int

const (
	ClassEvents RecordClass = iota
	ClassDocuments
)
