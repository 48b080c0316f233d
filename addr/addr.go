// Package addr normalizes the envelope addresses carried by MAIL FROM and
// RCPT TO commands, in particular the IDNA handling of internationalized
// domain names.
package addr

import (
	"strings"

	"golang.org/x/net/idna"
)

// Profile is the [*idna.Profile] used to convert domains between their ASCII
// and Unicode representations. Defaults to [idna.Lookup]; override it if your
// MTA needs a different IDNA profile.
var Profile = idna.Lookup

// Address is an envelope address split into its local part and domain, with
// IDNA conversions cached on first use.
type Address struct {
	raw    string
	local  string
	domain string

	ascii   string
	unicode string
}

// Parse splits raw (as received in a MAIL FROM/RCPT TO command, without the
// surrounding angle brackets) into an Address. An address without an "@"
// has an empty Domain and Local equal to raw.
func Parse(raw string) Address {
	at := strings.LastIndexByte(raw, '@')
	if at < 0 {
		return Address{raw: raw, local: raw}
	}
	return Address{raw: raw, local: raw[:at], domain: raw[at+1:]}
}

// String returns the original address as passed to Parse.
func (a Address) String() string { return a.raw }

// Local returns the part of the address before the "@".
func (a Address) Local() string { return a.local }

// Domain returns the part of the address after the "@", verbatim.
func (a Address) Domain() string { return a.domain }

// ASCIIDomain returns Domain converted to its ASCII (A-label) form. If the
// domain is not valid IDNA, the unconverted domain is returned unchanged.
func (a *Address) ASCIIDomain() string {
	if a.domain == "" {
		return ""
	}
	if a.ascii != "" {
		return a.ascii
	}
	ascii, err := Profile.ToASCII(a.domain)
	if err != nil {
		a.ascii = a.domain
		return a.domain
	}
	a.ascii = ascii
	return ascii
}

// UnicodeDomain returns Domain converted to its Unicode (U-label) form. If
// the domain is not valid IDNA, the unconverted domain is returned unchanged.
func (a *Address) UnicodeDomain() string {
	if a.domain == "" {
		return ""
	}
	if a.unicode != "" {
		return a.unicode
	}
	uni, err := Profile.ToUnicode(a.domain)
	if err != nil {
		a.unicode = a.domain
		return a.domain
	}
	a.unicode = uni
	return uni
}
