package engine

import "strings"

// Canonicalize lowercases name and strips a single trailing dot, matching
// the engine's domain-normalization rule. Calling it twice is idempotent.
func Canonicalize(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimSuffix(name, ".")

	return name
}

// Candidates returns q and every suffix formed by dropping leading labels,
// most-specific first: "a.b.example.com" -> ["a.b.example.com",
// "b.example.com", "example.com", "com"]. q must already be canonicalized.
func Candidates(q string) []string {
	if q == "" {
		return nil
	}

	out := []string{q}
	for {
		i := strings.IndexByte(q, '.')
		if i < 0 {
			break
		}

		q = q[i+1:]
		if q == "" {
			break
		}

		out = append(out, q)
	}

	return out
}

// MatchesBlocklistDomain reports whether q equals r or is a subdomain of r,
// which is the blocklist-domain matching rule: "q == r or q ends with .r".
func MatchesBlocklistDomain(q, r string) bool {
	if q == r {
		return true
	}

	return strings.HasSuffix(q, "."+r)
}
