package llm

import (
	"fmt"
	"strings"
)

// supportedLanguages whitelists the translation targets. Translation with a
// code outside this set fails fast, before any model call.
var supportedLanguages = map[string]string{
	"en": "English",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"pl": "Polish",
	"ro": "Romanian",
	"sv": "Swedish",
	"da": "Danish",
	"no": "Norwegian",
	"fi": "Finnish",
	"cs": "Czech",
	"hu": "Hungarian",
	"el": "Greek",
	"tr": "Turkish",
	"ru": "Russian",
	"uk": "Ukrainian",
	"ar": "Arabic",
	"he": "Hebrew",
	"hi": "Hindi",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"id": "Indonesian",
	"th": "Thai",
	"vi": "Vietnamese",
}

// LanguageName resolves a whitelisted language code to its English name.
func LanguageName(code string) (string, error) {
	name, ok := supportedLanguages[strings.ToLower(code)]
	if !ok {
		return "", fmt.Errorf("unsupported output language %q", code)
	}
	return name, nil
}
