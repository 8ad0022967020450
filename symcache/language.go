package symcache

import "strings"

// Language is the source language a record was compiled from.
type Language uint32

const (
	LanguageUnknown Language = iota
	LanguageC
	LanguageCpp
	LanguageD
	LanguageGo
	LanguageObjC
	LanguageObjCpp
	LanguageRust
	LanguageSwift
)

var languageNames = [...]string{
	LanguageUnknown: "unknown",
	LanguageC:       "c",
	LanguageCpp:     "cpp",
	LanguageD:       "d",
	LanguageGo:      "go",
	LanguageObjC:    "objc",
	LanguageObjCpp:  "objcpp",
	LanguageRust:    "rust",
	LanguageSwift:   "swift",
}

// ParseLanguage returns LanguageUnknown for names it does not recognize.
func ParseLanguage(name string) Language {
	name = strings.ToLower(name)
	for l, n := range languageNames {
		if n == name {
			return Language(l)
		}
	}
	return LanguageUnknown
}

func languageFromValue(v uint32) Language {
	if int(v) < len(languageNames) {
		return Language(v)
	}
	return LanguageUnknown
}

func (l Language) String() string {
	if int(l) < len(languageNames) {
		return languageNames[l]
	}
	return "unknown"
}
