package bulletin

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kjstillabower/bulletin-weather-service/internal/models"
)

const (
	fieldDelimiter  = '#'
	recordDelimiter = '\n'

	// wordSeparators start a new word in TitleCase in addition to whitespace.
	wordSeparators = "'’.-"
)

// ErrRecordNotFound is returned when the city key is absent from the bulletin or its
// record is malformed (no terminating newline, too few fields).
var ErrRecordNotFound = errors.New("record not found")

// TitleCase upper-cases the first letter of each word and lower-cases the rest.
// Apostrophes, periods and hyphens start a new word, so "o'connor" becomes "O'Connor".
// Bulletin records are keyed by the title-cased city name.
func TitleCase(name string) string {
	name = strings.TrimSpace(name)
	caser := cases.Title(language.Und)
	var b strings.Builder
	b.Grow(len(name))
	for {
		i := strings.IndexAny(name, wordSeparators)
		if i < 0 {
			b.WriteString(caser.String(name))
			return b.String()
		}
		_, size := utf8.DecodeRuneInString(name[i:])
		b.WriteString(caser.String(name[:i]))
		b.WriteString(name[i : i+size])
		name = name[i+size:]
	}
}

// Extract returns the '#'-delimited fields of the record that starts at the first
// occurrence of cityKey. The match is case-sensitive. The scan stops at the first newline
// after the key and never runs past the end of text.
func Extract(text, cityKey string) (models.CityRecord, error) {
	if cityKey == "" {
		return nil, fmt.Errorf("%w: empty city key", ErrRecordNotFound)
	}
	start := strings.Index(text, cityKey)
	if start < 0 {
		return nil, fmt.Errorf("%w: %q not in bulletin", ErrRecordNotFound, cityKey)
	}
	rest := text[start+len(cityKey):]
	end := strings.IndexByte(rest, recordDelimiter)
	if end < 0 {
		return nil, fmt.Errorf("%w: record for %q has no terminating newline", ErrRecordNotFound, cityKey)
	}
	line := strings.TrimSuffix(rest[:end], "\r")

	segments := strings.Split(line, string(fieldDelimiter))
	// segments[0] is whatever sits between the key and the first delimiter.
	fields := segments[1:]
	if n := len(fields); n > 0 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	record := make(models.CityRecord, len(fields))
	copy(record, fields)
	return record, nil
}

// LookupIcon returns the icon of the first lexicon entry whose match occurs in the
// lowercased description, or "" when nothing matches.
func LookupIcon(lexicon models.Lexicon, description string) string {
	desc := strings.ToLower(description)
	for _, e := range lexicon.Entries() {
		if e.Match != "" && strings.Contains(desc, e.Match) {
			return e.Icon
		}
	}
	return ""
}

// ToSnapshot derives temperature and description from the trailing record fields and
// resolves the icon key. city is reported as given.
func ToSnapshot(city string, record models.CityRecord, lexicon models.Lexicon) (models.WeatherSnapshot, error) {
	n := len(record)
	if n < 2 {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: record for %q has %d fields, need at least 2", ErrRecordNotFound, city, n)
	}
	raw := strings.TrimSpace(record[n-1])
	lookup := strings.ToLower(raw)
	return models.WeatherSnapshot{
		City:              city,
		Temperature:       strings.TrimSpace(record[n-2]),
		Description:       TitleCase(raw),
		IconKey:           LookupIcon(lexicon, lookup),
		LookupDescription: lookup,
	}, nil
}
