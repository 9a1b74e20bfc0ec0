package render

import (
	"fmt"
	"net/url"
)

// TrackingLinks builds the open-pixel, click-redirect, and unsubscribe URLs
// embedded into every rendered message. All three are pure functions of the
// recipient address, the campaign subject, and the CTA destination: the same
// inputs always produce byte-identical URLs, so the downstream tracking
// service can correlate events without per-send state.
type TrackingLinks struct {
	trackingBase string // e.g. https://track.example.com
	unsubBase    string // e.g. https://unsub.example.com
}

// NewTrackingLinks creates a link builder for the given base URLs.
func NewTrackingLinks(trackingBase, unsubBase string) *TrackingLinks {
	return &TrackingLinks{trackingBase: trackingBase, unsubBase: unsubBase}
}

// OpenPixelURL returns the URL of the 1x1 open-tracking image.
func (tl *TrackingLinks) OpenPixelURL(email, subject string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("subject", subject)
	return fmt.Sprintf("%s/track/open?%s", tl.trackingBase, q.Encode())
}

// ClickURL wraps the CTA destination in a tracked redirect.
func (tl *TrackingLinks) ClickURL(email, subject, ctaURL string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("url", ctaURL)
	q.Set("subject", subject)
	return fmt.Sprintf("%s/track/click?%s", tl.trackingBase, q.Encode())
}

// UnsubscribeURL returns the per-recipient unsubscribe link.
func (tl *TrackingLinks) UnsubscribeURL(email string) string {
	q := url.Values{}
	q.Set("email", email)
	return fmt.Sprintf("%s/unsubscribe?%s", tl.unsubBase, q.Encode())
}
