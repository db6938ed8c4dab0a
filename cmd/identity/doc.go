// Package identity resolves who a relay participant is.
//
// Authentication is handled outside the relay; this package only maps a username to the profile
// (display name) that is stamped onto every message and announcement.
package identity
