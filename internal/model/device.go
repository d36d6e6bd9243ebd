package model

import "time"

// Device is one registered app install.
type Device struct {
	DeviceID           string    `json:"deviceId"`
	AppID              string    `json:"appId"`
	DeviceToken        string    `json:"deviceToken,omitempty"`
	LoginIDs           []LoginID `json:"loginIds"`
	APIKey             string    `json:"apiKey,omitempty"`
	IgnoreMarketing    bool      `json:"ignoreMarketing,omitempty"`
	IgnorePriceChanges bool      `json:"ignorePriceChanges,omitempty"`
	Created            time.Time `json:"created"`
	Visited            time.Time `json:"visited"`
}

// HasLogin reports whether id is attached to the device.
func (d *Device) HasLogin(id LoginID) bool {
	for _, l := range d.LoginIDs {
		if string(l) == string(id) {
			return true
		}
	}
	return false
}

// APIKey maps an application to its push-provider credential. Admin keys may
// also use the admin routes and the marketing broadcast.
type APIKey struct {
	APIKey        string `json:"apiKey"`
	AppID         string `json:"appId"`
	Admin         bool   `json:"admin,omitempty"`
	ProviderToken string `json:"providerToken,omitempty"`
}

// MessageCategory selects which device opt-outs apply to a send.
type MessageCategory string

const (
	CategoryEvent       MessageCategory = "event"
	CategoryPriceChange MessageCategory = "price-change"
	CategoryMarketing   MessageCategory = "marketing"
)

// Accepts reports whether the device wants messages of category c.
func (d *Device) Accepts(c MessageCategory) bool {
	switch c {
	case CategoryMarketing:
		return !d.IgnoreMarketing
	case CategoryPriceChange:
		return !d.IgnorePriceChanges
	}
	return true
}
