package assembler

import (
	"sort"
	"strings"

	"github.com/mailroom/backend/internal/models"
)

// replyPrefixes are the subject tokens stripped (repeatedly) before fallback
// grouping. Comparison is case-insensitive.
var replyPrefixes = []string{"re:", "fwd:", "fw:", "aw:"}

// NormalizeSubject produces the fallback grouping form of a subject: reply and
// forward prefixes stripped, whitespace collapsed, lowercased. "Re: Re: Order"
// and "order" normalize to the same key.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)

	for {
		stripped := false
		lower := strings.ToLower(s)
		for _, prefix := range replyPrefixes {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}

	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ParticipantKey derives an order-independent key from a message's sender and
// recipients: addresses lowercased, deduplicated, sorted and joined. Two
// messages between the same set of people share a key regardless of direction.
func ParticipantKey(msg *models.Message) string {
	seen := make(map[string]struct{})
	var addresses []string

	add := func(raw string) {
		addr := strings.ToLower(strings.TrimSpace(extractAddress(raw)))
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		addresses = append(addresses, addr)
	}

	add(msg.FromAddress)
	for _, to := range msg.ToAddresses {
		add(to)
	}
	for _, cc := range msg.CCAddresses {
		add(cc)
	}

	sort.Strings(addresses)
	return strings.Join(addresses, ",")
}

// extractAddress pulls the bare address out of a "Name <addr>" form.
func extractAddress(raw string) string {
	if open := strings.LastIndex(raw, "<"); open >= 0 {
		if close := strings.LastIndex(raw, ">"); close > open {
			return raw[open+1 : close]
		}
	}
	return raw
}

// displayName pulls the display-name part out of a "Name <addr>" form, or ""
// for a bare address.
func displayName(raw string) string {
	if open := strings.LastIndex(raw, "<"); open > 0 {
		return strings.Trim(strings.TrimSpace(raw[:open]), `"`)
	}
	return ""
}

// mergeParticipants folds a message's addresses into the thread's
// deduplicated participant list, keyed by lowercased address. A name seen
// later fills in a participant that previously had none.
func mergeParticipants(existing []models.Participant, msg *models.Message) []models.Participant {
	byAddress := make(map[string]int, len(existing))
	merged := make([]models.Participant, len(existing))
	copy(merged, existing)
	for i, p := range merged {
		byAddress[strings.ToLower(p.Address)] = i
	}

	add := func(raw string) {
		addr := strings.ToLower(strings.TrimSpace(extractAddress(raw)))
		if addr == "" {
			return
		}
		name := displayName(raw)
		if i, ok := byAddress[addr]; ok {
			if merged[i].Name == "" && name != "" {
				merged[i].Name = name
			}
			return
		}
		byAddress[addr] = len(merged)
		merged = append(merged, models.Participant{Address: addr, Name: name})
	}

	add(msg.FromAddress)
	for _, to := range msg.ToAddresses {
		add(to)
	}
	for _, cc := range msg.CCAddresses {
		add(cc)
	}

	return merged
}
