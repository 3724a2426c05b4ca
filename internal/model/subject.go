package model

import (
	"strconv"
	"time"
)

// Subject is a deceased public figure to be enriched. Subjects are input
// only; nothing downstream mutates them.
type Subject struct {
	ID             int64      `json:"id" csv:"id"`
	Name           string     `json:"name" csv:"name"`
	Birthday       *time.Time `json:"birthday,omitempty" csv:"birthday,omitempty"`
	Deathday       *time.Time `json:"deathday,omitempty" csv:"deathday,omitempty"`
	WikidataID     string     `json:"wikidata_id,omitempty" csv:"wikidata_id,omitempty"`
	WikipediaTitle string     `json:"wikipedia_title,omitempty" csv:"wikipedia_title,omitempty"`
	IMDbID         string     `json:"imdb_id,omitempty" csv:"imdb_id,omitempty"`
}

// Key returns the subject ID as a string, used for custom IDs and logging.
func (s Subject) Key() string {
	return strconv.FormatInt(s.ID, 10)
}

// DeathYear returns the year of death, or 0 when unknown.
func (s Subject) DeathYear() int {
	if s.Deathday == nil {
		return 0
	}
	return s.Deathday.Year()
}

// BirthYear returns the year of birth, or 0 when unknown.
func (s Subject) BirthYear() int {
	if s.Birthday == nil {
		return 0
	}
	return s.Birthday.Year()
}

// AgeAtDeath returns the subject's age at death, or 0 when either date is missing.
func (s Subject) AgeAtDeath() int {
	if s.Birthday == nil || s.Deathday == nil {
		return 0
	}
	b, d := *s.Birthday, *s.Deathday
	age := d.Year() - b.Year()
	if d.YearDay() < b.YearDay() {
		age--
	}
	return age
}
