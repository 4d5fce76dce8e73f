package profile

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// DefaultVoiceID is the voice used when nothing else applies.
const DefaultVoiceID = 888753760

// builtinVoices is the catalog shipped with the bot.
var builtinVoices = []tts.Voice{
	{Name: "Anneli", ID: 888753760},
	{Name: "decoprokun", ID: 604172608},
	{Name: "fumifumi", ID: 606865152},
	{Name: "hinakoyuhara", ID: 2058221184},
	{Name: "peach", ID: 933744512},
	{Name: "white", ID: 706073888},
	{Name: "yukyu", ID: 1099751712},
	{Name: "にせ", ID: 1937616896},
	{Name: "まい", ID: 1431611904},
	{Name: "ろてじん（長老ボイス）", ID: 391794336},
	{Name: "亜空マオ", ID: 532977856},
	{Name: "凛音エル", ID: 1388823424},
	{Name: "天深シノ", ID: 1063997408},
	{Name: "宗周定昌", ID: 1143949696},
	{Name: "様子ヶ丘シイナ", ID: 1130341985},
	{Name: "立神ケイ", ID: 87094656},
	{Name: "観測症", ID: 1275216064},
	{Name: "Furina", ID: 134921440},
	{Name: "Lunlun", ID: 788751232},
	{Name: "Mita", ID: 1292986496},
	{Name: "花火", ID: 591215776},
	{Name: "Nahida", ID: 1206699648},
	{Name: "KikotoMahiro", ID: 1430982625},
	{Name: "Paimon", ID: 1031189312},
	{Name: "ユニ", ID: 1105189120},
}

// BuiltinVoices returns a copy of the built-in catalog entries.
func BuiltinVoices() []tts.Voice {
	return slices.Clone(builtinVoices)
}

// Catalog is the fixed set of voices users may be assigned. It is read-only
// after construction and safe for concurrent use.
type Catalog struct {
	voices    []tts.Voice
	byID      map[int]tts.Voice
	defaultID int
}

// NewCatalog builds a catalog. defaultID must be one of voices.
func NewCatalog(voices []tts.Voice, defaultID int) (*Catalog, error) {
	if len(voices) == 0 {
		return nil, errors.New("profile: catalog is empty")
	}
	c := &Catalog{
		voices:    slices.Clone(voices),
		byID:      make(map[int]tts.Voice, len(voices)),
		defaultID: defaultID,
	}
	for _, v := range voices {
		if _, dup := c.byID[v.ID]; dup {
			return nil, fmt.Errorf("profile: duplicate voice id %d in catalog", v.ID)
		}
		c.byID[v.ID] = v
	}
	if _, ok := c.byID[defaultID]; !ok {
		return nil, fmt.Errorf("profile: default voice %d is not in the catalog", defaultID)
	}
	return c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(builtinVoices, DefaultVoiceID)
	if err != nil {
		panic("profile: built-in catalog: " + err.Error())
	}
	return c
}

// Voices returns the catalog in its configured order.
func (c *Catalog) Voices() []tts.Voice { return slices.Clone(c.voices) }

// Len returns the number of voices.
func (c *Catalog) Len() int { return len(c.voices) }

// Lookup returns the voice with id.
func (c *Catalog) Lookup(id int) (tts.Voice, bool) {
	v, ok := c.byID[id]
	return v, ok
}

// Voice returns the voice with id, or a nameless voice carrying id when it is
// not in the catalog.
func (c *Catalog) Voice(id int) tts.Voice {
	if v, ok := c.byID[id]; ok {
		return v
	}
	return tts.Voice{ID: id}
}

// Default returns the default voice.
func (c *Catalog) Default() tts.Voice { return c.byID[c.defaultID] }

// Random picks a voice uniformly at random.
func (c *Catalog) Random() tts.Voice {
	return c.voices[rand.IntN(len(c.voices))]
}

// Search ranks catalog voices against query for autocompletion and returns at
// most limit of them. Names that start with the query rank first, then the
// rest by Jaro-Winkler similarity. A numeric query also matches id prefixes.
// An empty query returns the catalog order.
func (c *Catalog) Search(query string, limit int) []tts.Voice {
	if limit <= 0 || limit > len(c.voices) {
		limit = len(c.voices)
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return slices.Clone(c.voices[:limit])
	}

	type scored struct {
		voice tts.Voice
		score float64
	}
	ranked := make([]scored, 0, len(c.voices))
	for _, v := range c.voices {
		name := strings.ToLower(v.Name)
		var s float64
		switch {
		case strings.HasPrefix(name, q), strings.HasPrefix(strconv.Itoa(v.ID), q):
			s = 2
		case strings.Contains(name, q):
			s = 1.5
		default:
			s = matchr.JaroWinkler(q, name, false)
		}
		ranked = append(ranked, scored{voice: v, score: s})
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return 0
		}
	})

	out := make([]tts.Voice, 0, limit)
	for _, r := range ranked[:limit] {
		out = append(out, r.voice)
	}
	return out
}
