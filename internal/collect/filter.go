// Package collect walks a source tree, drops paths that should never be
// rendered, and sorts the remaining files into categories.
package collect

import (
	"path"
	"strings"
)

// CodeExtensions are the file extensions collected as source code.
var CodeExtensions = []string{
	".py", ".java", ".js", ".jsx", ".ts", ".tsx", ".html", ".css", ".scss", ".sass",
	".c", ".cpp", ".cs", ".h", ".hpp", ".go", ".rs", ".rb", ".php", ".swift",
	".scala", ".groovy", ".pl", ".sh", ".bat", ".ps1", ".sql", ".r",
	".dart", ".lua", ".clj", ".ex", ".exs", ".erl", ".fs", ".f90", ".ml",
	".hs", ".json", ".xml", ".yaml", ".yml", ".toml", ".ini", ".md",
	".vue", ".svelte", ".elm",
}

// DocumentExtensions are binary document formats whose text can be extracted.
var DocumentExtensions = []string{".pdf", ".docx"}

// ExcludedExtensions are build artifacts and platform metadata.
var ExcludedExtensions = []string{
	".kt", ".kts", ".jar", ".properties",
	".pbxproj", ".xcconfig", ".xcworkspacedata", ".xcscheme",
	".plist", ".jks", ".keystore", ".apk", ".ipa",
	".so", ".a", ".dylib", ".framework",
	".class", ".dex", ".o", ".d",
	".iml", ".gradle", ".lock", ".bin",
}

// ExcludedDirs are directory names, or slash-separated relative paths,
// that are never descended into.
var ExcludedDirs = []string{
	".git", "node_modules", "__pycache__", "venv", "env", ".venv", ".env", "dist", "build", "obj", "bin",
	"__MACOSX", ".trash", ".expo", ".gradle", "gradle", "Images.xcassets", "android/app/src", "Local Podspecs",
	"libs", "jniLibs", "intermediates", "generated", "outputs", "tmp", "temp", "captures",
	"release", "debug", "caches", "xcuserdata", "xcshareddata", "DerivedData",
	"Classes", "Frameworks", "Headers", "PrivateHeaders", "buildSrc", "log", "logs",
	".next", "vendor", "bower_components", ".nuxt", ".cache", "coverage",
	"public/build", "public/dist", "Pods",
}

// ExcludedFiles are exact file names (or path.Match patterns) to skip.
var ExcludedFiles = []string{
	"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "composer.lock", "Gemfile.lock",
	"poetry.lock", "Cargo.lock", "go.sum", ".DS_Store", "thumbs.db", "ehthumbs.db",
	"desktop.ini", ".gitkeep", ".gitattributes", ".gitignore", ".npmignore",
	".env.local", ".env.development", ".env.test", ".env.production",
	".eslintcache", ".eslintignore", "tsconfig.tsbuildinfo", "junit.xml", "coverage.xml",
	".coverage", "coverage-final.json", "debug.log", "npm-debug.log", "yarn-debug.log",
	"yarn-error.log", "pnpm-debug.log", "report.*.json", "stats.json", "gradlew.bat",
	"AppDelegate.h", "Podfile.properties.json",
}

// Filter decides which paths reach the page stream.
type Filter struct {
	Dirs       []string
	Files      []string
	Extensions []string
	Code       []string
	// Documents also accepts DocumentExtensions, for text extraction.
	Documents bool
	// MaxFileBytes skips files larger than this. Zero disables the check.
	MaxFileBytes int64
}

// DefaultFilter returns the standard exclusion lists.
func DefaultFilter() Filter {
	return Filter{
		Dirs:         ExcludedDirs,
		Files:        ExcludedFiles,
		Extensions:   ExcludedExtensions,
		Code:         CodeExtensions,
		MaxFileBytes: 5 << 20,
	}
}

// ExcludeDir reports whether the directory at rel (slash separated,
// relative to the root) should be pruned.
func (f Filter) ExcludeDir(rel string) bool {
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return false
	}
	name := path.Base(rel)
	for _, d := range f.Dirs {
		if strings.Contains(d, "/") {
			if rel == d || strings.HasSuffix(rel, "/"+d) {
				return true
			}
			continue
		}
		if name == d {
			return true
		}
	}
	return false
}

// Skip reasons reported by Check.
const (
	ReasonHidden       = "macos metadata"
	ReasonExcludedFile = "excluded file"
	ReasonExcludedExt  = "excluded extension"
	ReasonNotCode      = "not a code file"
	ReasonTooLarge     = "too large"
	ReasonBinary       = "binary content"
	ReasonUnreadable   = "unreadable"
)

// Check returns an empty reason when a file with this name should be
// collected.
func (f Filter) Check(name string) string {
	if strings.HasPrefix(name, "._") {
		return ReasonHidden
	}
	for _, pattern := range f.Files {
		if name == pattern {
			return ReasonExcludedFile
		}
		if ok, _ := path.Match(pattern, name); ok {
			return ReasonExcludedFile
		}
	}
	lower := strings.ToLower(name)
	if hasAnySuffix(lower, f.Extensions) {
		return ReasonExcludedExt
	}
	if hasAnySuffix(lower, f.Code) {
		return ""
	}
	if f.Documents && IsDocument(name) {
		return ""
	}
	return ReasonNotCode
}

// IsDocument reports whether name has a document extension.
func IsDocument(name string) bool {
	return hasAnySuffix(strings.ToLower(name), DocumentExtensions)
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
