// Package cards holds the immutable card reference data and the deterministic
// pack materialization. A pack opened under a given transaction id always
// yields the same cards, which keeps replayed COMMIT applications idempotent.
package cards

import (
	"fmt"
	"hash/fnv"
)

// Rank is the playable type of a card.
type Rank string

const (
	Rock     Rank = "rock"
	Paper    Rank = "paper"
	Scissors Rank = "scissors"
)

// Rarity grades a card skin.
type Rarity string

const (
	Common    Rarity = "common"
	Rare      Rarity = "rare"
	Epic      Rarity = "epic"
	Legendary Rarity = "legendary"
)

// Card is immutable reference data; inventories store card ids only.
type Card struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rank   Rank   `json:"rank"`
	Skin   string `json:"skin"`
	Rarity Rarity `json:"rarity"`
}

var ranks = []Rank{Rock, Paper, Scissors}

var skins = map[Rank][]string{
	Rock:     {"Volcanic Rock", "Polished Marble", "River Pebble"},
	Paper:    {"Ancient Papyrus", "Old Newspaper", "Dollar Bill"},
	Scissors: {"Sharp Blade", "Garden Shears", "Barber Razor"},
}

// Rarity weights skew heavily toward common, matching the pack odds of the
// game design.
var rarities = []Rarity{Common, Common, Common, Rare, Rare, Epic, Legendary}

// Template describes a purchasable pack: how many cards it materializes.
type Template struct {
	ID   string
	Size int
}

// DefaultTemplate is the only template shipped at bootstrap.
const DefaultTemplate = "standard"

var templates = map[string]Template{
	DefaultTemplate: {ID: DefaultTemplate, Size: 3},
}

// LookupTemplate resolves a template id, falling back to the standard pack
// for unknown ids so a stale client cannot wedge a transaction.
func LookupTemplate(id string) Template {
	if t, ok := templates[id]; ok {
		return t
	}
	return templates[DefaultTemplate]
}

// Materialize derives the cards of a pack from the transaction id and
// template. The derivation is a pure function of its inputs: every peer that
// applies the same committed transaction produces the same card ids.
func Materialize(txID, templateID string) []Card {
	tmpl := LookupTemplate(templateID)
	out := make([]Card, 0, tmpl.Size)
	for i := 0; i < tmpl.Size; i++ {
		out = append(out, derive(txID, templateID, i))
	}
	return out
}

func derive(txID, templateID string, slot int) Card {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%s/%d", txID, templateID, slot)
	seed := h.Sum64()

	rank := ranks[seed%uint64(len(ranks))]
	skinSet := skins[rank]
	skin := skinSet[(seed/7)%uint64(len(skinSet))]
	rarity := rarities[(seed/31)%uint64(len(rarities))]

	return Card{
		ID:     fmt.Sprintf("CARD-%016x", seed),
		Name:   fmt.Sprintf("%s (%s)", rank, skin),
		Rank:   rank,
		Skin:   skin,
		Rarity: rarity,
	}
}

// IDs projects a card slice onto the id strings stored in inventories.
func IDs(cs []Card) []string {
	ids := make([]string, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.ID)
	}
	return ids
}
