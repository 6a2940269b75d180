package mail

// NormalizeRecipients lowercases, trims and de-duplicates addresses,
// preserving first-seen order and dropping empty entries.
func NormalizeRecipients(recipients []string) []string {
	out := make([]string, 0, len(recipients))
	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		n := NormalizeAddress(r)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Intersect returns the members of recipients that also appear in subset,
// in recipients order. Entries of subset that are not recipients are ignored.
func Intersect(recipients, subset []string) []string {
	want := toSet(subset)
	out := make([]string, 0, len(subset))
	for _, r := range recipients {
		if _, ok := want[NormalizeAddress(r)]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Subtract returns recipients minus subset, in recipients order.
func Subtract(recipients, subset []string) []string {
	drop := toSet(subset)
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if _, ok := drop[NormalizeAddress(r)]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Contains reports whether addr is one of recipients.
func Contains(recipients []string, addr string) bool {
	addr = NormalizeAddress(addr)
	for _, r := range recipients {
		if NormalizeAddress(r) == addr {
			return true
		}
	}
	return false
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, s := range list {
		set[NormalizeAddress(s)] = struct{}{}
	}
	return set
}
