package transport

import (
	"unicode/utf16"
	"unicode/utf8"
)

// Split cuts text into pieces of at most limit UTF-16 code units, the unit
// Telegram counts message length in. Joining the pieces gives back text
// byte for byte; a piece never ends inside a UTF-8 sequence, and each
// invalid byte is kept as is and counted as one unit. A cut prefers to land
// right after a newline, as long as that keeps the piece at least a third
// of the limit.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || UTF16Len(text) <= limit {
		return []string{text}
	}

	var out []string
	for text != "" {
		end, units, cut := 0, 0, 0
		for end < len(text) {
			r, size := utf8.DecodeRuneInString(text[end:])
			n := runeUnits(r, size)
			if units+n > limit {
				break
			}
			if r == '\n' && units >= limit/3 {
				cut = end + size
			}
			units += n
			end += size
		}
		switch {
		case end == 0:
			// limit is smaller than a single surrogate pair.
			_, end = utf8.DecodeRuneInString(text)
		case end < len(text) && cut > 0:
			end = cut
		}
		out = append(out, text[:end])
		text = text[end:]
	}
	return out
}

// UTF16Len is the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		n += runeUnits(r, size)
		i += size
	}
	return n
}

func runeUnits(r rune, size int) int {
	if r == utf8.RuneError && size == 1 {
		return 1
	}
	return utf16.RuneLen(r)
}
