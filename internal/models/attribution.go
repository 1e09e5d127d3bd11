package models

import "time"

// VisitorContext is the request context captured when a tracked visit lands.
type VisitorContext struct {
	Fingerprint string
	LandingPage string
	Referrer    string
	SessionID   string
	UTMSource   string
	UTMCampaign string
}

// ReferralAttribution records that a visit was associated with a referral
// code. It is an analytics record only and carries no financial weight.
type ReferralAttribution struct {
	AttributionID string
	ReferralCode  string
	AccountID     string
	Visitor       VisitorContext
	Timestamp     time.Time
}
