package toc

import (
	"fmt"
	"strings"
)

const roastKey = "Tic/Toc"

// RoastPassword obfuscates password the way the TOC server expects: each
// byte is XORed with the repeating key "Tic/Toc" and written as two
// upper-case hex digits after a "0x" prefix.
func RoastPassword(password string) string {
	var b strings.Builder
	b.WriteString("0x")
	for i := 0; i < len(password); i++ {
		fmt.Fprintf(&b, "%02X", password[i]^roastKey[i%len(roastKey)])
	}
	return b.String()
}

// AuthCode derives the numeric code sent with toc2_signon from the first
// characters of the screen name and password. Both must be non-empty.
func AuthCode(screenName, password string) int {
	sn := int(screenName[0]) - 96
	pw := int(password[0]) - 96

	a := sn*7696 + 738816
	b := sn * 746512
	c := pw * a

	return c - a + b + 71665152
}
