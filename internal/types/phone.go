package types

import "strings"

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneKey reduces a phone number to its last ten digits for lookups.
func PhoneKey(phone string) string {
	d := digits(phone)
	if len(d) > 10 {
		d = d[len(d)-10:]
	}
	return d
}

// DialNumber renders a number in +<country><number> form. Bare ten digit
// numbers are treated as Mexican.
func DialNumber(phone string) string {
	d := digits(phone)
	if d == "" {
		return ""
	}
	if len(d) == 10 {
		return "+52" + d
	}
	return "+" + d
}
