package models

import "time"

// Bulletin is the raw bulletin text together with the instant it was fetched.
type Bulletin struct {
	Body      string
	FetchedAt time.Time
}

// CityRecord holds the '#'-delimited fields of one city's line, in order of appearance.
type CityRecord []string

// WeatherSnapshot is the value handed to whatever renders the weather.
type WeatherSnapshot struct {
	City        string `json:"city"`
	Temperature string `json:"temperature"`
	Description string `json:"description"`
	IconKey     string `json:"iconKey"`
	// LookupDescription is the lowercased description used for the icon lookup.
	LookupDescription string    `json:"lookupDescription"`
	FetchedAt         time.Time `json:"fetchedAt"`
}

// LexiconEntry maps a lowercase substring of a condition description to an icon key.
type LexiconEntry struct {
	Match string `json:"match"`
	Icon  string `json:"icon"`
}

// Lexicon is an ordered, read-only condition table. The first matching entry wins.
type Lexicon struct {
	entries []LexiconEntry
}

// NewLexicon copies entries into a Lexicon so later changes to the slice are not observed.
func NewLexicon(entries []LexiconEntry) Lexicon {
	cp := make([]LexiconEntry, len(entries))
	copy(cp, entries)
	return Lexicon{entries: cp}
}

// Entries returns a copy of the lexicon entries in lookup order.
func (l Lexicon) Entries() []LexiconEntry {
	cp := make([]LexiconEntry, len(l.entries))
	copy(cp, l.entries)
	return cp
}

// Len returns the number of entries.
func (l Lexicon) Len() int {
	return len(l.entries)
}
