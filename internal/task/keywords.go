package task

import "strings"

var categoryKeywords = []struct {
	category Category
	words    []string
}{
	{CategorySocial, []string{"social", "twitter", "telegram", "discord", "youtube", "instagram", "retweet", "follow", "subscribe"}},
	{CategoryPartner, []string{"partner", "sponsor", "affiliate", "offer"}},
	{CategoryLimited, []string{"limited", "timed", "deadline", "seasonal"}},
}

// GuessCategory scans free text (an item id, a title, extracted page text)
// for category keywords. Matching is case-insensitive; the first category in
// table order wins. Returns CategoryUnknown when nothing matches.
func GuessCategory(text string) Category {
	text = strings.ToLower(text)
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(text, w) {
				return ck.category
			}
		}
	}
	return CategoryUnknown
}

var networkHosts = map[string]string{
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"t.me":          "telegram",
	"telegram.org":  "telegram",
	"discord.gg":    "discord",
	"discord.com":   "discord",
	"youtube.com":   "youtube",
	"youtu.be":      "youtube",
	"instagram.com": "instagram",
}

// NetworkForHost returns the social network name for a URL host, or "".
func NetworkForHost(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if n, ok := networkHosts[host]; ok {
		return n
	}
	for h, n := range networkHosts {
		if strings.HasSuffix(host, "."+h) {
			return n
		}
	}
	return ""
}
