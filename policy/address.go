package policy

import "strings"

// SplitAddress breaks a mail address such as "name@example.com" into its local-part and domain.
// A component is returned empty when the address lacks an "@" or lacks text on either side of it.
func SplitAddress(addr string) (local, domain string) {
	at := strings.IndexRune(addr, '@')
	if at == -1 {
		return addr, ""
	}
	local = strings.TrimSpace(addr[:at])
	if at < len(addr)-1 {
		domain = strings.TrimSpace(addr[at+1:])
	}
	return
}
