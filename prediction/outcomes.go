package prediction

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/twitch-autopoll/config"
)

const (
	maxOutcomeTitleRunes = 24
	minOutcomes          = 2
	maxOutcomes          = 10
	defaultRoundsToWin   = 2
)

// OutcomeSpec is one outcome to create: the caller's option key (a team id) and
// the title shown to viewers.
type OutcomeSpec struct {
	OptionKey int    `json:"option_key"`
	Title     string `json:"title"`
}

// TrimOutcomeTitle joins names with ", " and cuts the result to 24 characters
// followed by "." when it is longer.
func TrimOutcomeTitle(names []string) string {
	if len(names) == 0 {
		return ""
	}
	title := strings.Join(names, ", ")
	if utf8.RuneCountInString(title) <= maxOutcomeTitleRunes {
		return title
	}
	runes := []rune(title)
	return string(runes[:maxOutcomeTitleRunes]) + "."
}

// BuildOutcomes turns option groups into outcome specs ordered by option key and
// reports the total number of participants.
func BuildOutcomes(options map[int][]string) ([]OutcomeSpec, int) {
	keys := make([]int, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	specs := make([]OutcomeSpec, 0, len(keys))
	participants := 0
	for _, k := range keys {
		participants += len(options[k])
		specs = append(specs, OutcomeSpec{OptionKey: k, Title: TrimOutcomeTitle(options[k])})
	}
	return specs, participants
}

// Window returns the prediction window in seconds:
// clamp(Base + PerParticipantRound*participants*roundsToWin, Min, Max).
// roundsToWin <= 0 counts as 2.
func Window(cfg config.WindowConfig, participants, roundsToWin int) int {
	if roundsToWin <= 0 {
		roundsToWin = defaultRoundsToWin
	}
	if participants < 0 {
		participants = 0
	}
	w := cfg.Base + cfg.PerParticipantRound*participants*roundsToWin
	if w < cfg.Min {
		return cfg.Min
	}
	if w > cfg.Max {
		return cfg.Max
	}
	return w
}
