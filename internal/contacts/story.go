package contacts

import (
	"regexp"
	"strings"
)

var (
	storyPhoneRe = regexp.MustCompile(`(?:\+?88)?[01]?[3-9]\d{8,10}|\d{11}`)
	storyNameRe  = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)
)

var storyTagKeywords = []struct {
	tag      string
	keywords []string
}{
	{"CNG", []string{"সিএনজি", "cng", "গাড়ি", "ড্রাইভার"}},
	{"রিকশা", []string{"রিকশা", "rickshaw"}},
	{"বন্ধু", []string{"বন্ধু", "friend", "বান্ধবী"}},
	{"পরিবার", []string{"মা", "বাবা", "ভাই", "বোন", "family"}},
	{"কাজ", []string{"কাজ", "work", "office", "অফিস"}},
	{"দোকান", []string{"দোকান", "shop", "ব্যবসা"}},
	{"ডাক্তার", []string{"ডাক্তার", "doctor"}},
	{"শিক্ষক", []string{"শিক্ষক", "teacher", "স্যার", "ম্যাডাম"}},
}

// ExtractFromStory builds a draft from a free-text description of how a
// contact was met: the first phone-like number, the first capitalized name
// and keyword tags. The story itself becomes the note.
func ExtractFromStory(story string) Draft {
	d := Draft{Note: strings.TrimSpace(story), Tags: []string{}}
	if m := storyPhoneRe.FindString(story); m != "" {
		d.Number = m
	}
	if m := storyNameRe.FindString(story); m != "" {
		d.Name = m
	}
	lower := strings.ToLower(story)
	for _, entry := range storyTagKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				d.Tags = append(d.Tags, entry.tag)
				break
			}
		}
	}
	return d
}
