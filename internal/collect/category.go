package collect

import (
	"fmt"
	"strings"
)

// Category groups files that are rendered into the same document series.
type Category string

const (
	Regular Category = "regular"
	IOS     Category = "ios"
	Android Category = "android"
)

// Categories lists every category in output order.
var Categories = []Category{Regular, IOS, Android}

var (
	iosPatterns     = []string{"ios/", ".xcodeproj/", ".xcworkspace/", ".pbxproj", ".storyboard", ".xib", ".swift", "Images.xcassets/", ".h"}
	androidPatterns = []string{"android/", "gradle/", ".gradle", ".gradle.kts", ".xml", "AndroidManifest.xml", ".properties"}
)

// Label is the human-readable name used in headings and logs.
func (c Category) Label() string {
	switch c {
	case IOS:
		return "iOS"
	case Android:
		return "Android"
	default:
		return "Regular"
	}
}

// Categorize assigns a category from the relative, slash-separated path.
// iOS patterns win over Android ones.
func Categorize(rel string) Category {
	for _, p := range iosPatterns {
		if matchPattern(rel, p) {
			return IOS
		}
	}
	for _, p := range androidPatterns {
		if matchPattern(rel, p) {
			return Android
		}
	}
	return Regular
}

// matchPattern treats ".ext" patterns as file suffixes and everything else
// as a substring of the path.
func matchPattern(rel, p string) bool {
	if strings.HasPrefix(p, ".") && !strings.Contains(p, "/") {
		return strings.HasSuffix(rel, p)
	}
	return strings.Contains(rel, p)
}

// ParseCategories parses a comma separated selection. An empty string
// selects every category.
func ParseCategories(s string) ([]Category, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Categories, nil
	}
	seen := make(map[Category]bool)
	var out []Category
	for _, part := range strings.Split(s, ",") {
		c := Category(strings.ToLower(strings.TrimSpace(part)))
		switch c {
		case Regular, IOS, Android:
		case "":
			continue
		default:
			return nil, fmt.Errorf("unknown category %q", part)
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return Categories, nil
	}
	// Keep canonical order regardless of input order.
	ordered := out[:0:0]
	for _, c := range Categories {
		if seen[c] {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}
