package consensus

import (
	"sort"
	"strings"

	"github.com/modelmux/modelmux/internal/backend"
)

// Contribution is one backend's vote: its normalized answer, reported
// confidence, rolling accuracy at collection time, and the weight the chosen
// mechanism assigned to it.
type Contribution struct {
	Backend    backend.ID `json:"backend"`
	Answer     string     `json:"answer"`
	Confidence float64    `json:"confidence"`
	Accuracy   float64    `json:"accuracy"`
	Weight     float64    `json:"weight"`
}

// Result is the reconciled outcome of a consensus round.
type Result struct {
	FinalAnswer    string                      `json:"final_answer"`
	Confidence     float64                     `json:"confidence"`
	Contributions  map[backend.ID]Contribution `json:"contributions"`
	Disagreement   float64                     `json:"disagreement_score"`
	PrimaryBackend backend.ID                  `json:"primary_backend"`
	LowConfidence  bool                        `json:"low_confidence,omitempty"`
}

// Strategy scores a set of contributions into a Result. Voting mechanisms
// form a closed set behind this interface; adding one touches nothing else.
type Strategy interface {
	Score(contribs []Contribution) Result
}

// StrategyFor maps a configured mechanism name to its implementation.
// Unknown names fall back to confidence-based voting, the default.
func StrategyFor(mechanism string) Strategy {
	switch mechanism {
	case "majority":
		return Majority{}
	case "weighted":
		return Weighted{}
	default:
		return ConfidenceBased{}
	}
}

// Normalize canonicalizes an answer before voting so formatting noise does
// not split votes: trimmed lines, empties dropped.
func Normalize(answer string) string {
	lines := strings.Split(strings.TrimSpace(answer), "\n")
	kept := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// Majority picks the most frequent answer; ties break by highest average
// contributor confidence.
type Majority struct{}

func (Majority) Score(contribs []Contribution) Result {
	type tally struct {
		count      int
		confidence float64
		voters     []int
	}
	tallies := make(map[string]*tally)
	for i, c := range contribs {
		t := tallies[c.Answer]
		if t == nil {
			t = &tally{}
			tallies[c.Answer] = t
		}
		t.count++
		t.confidence += c.Confidence
		t.voters = append(t.voters, i)
	}

	answers := make([]string, 0, len(tallies))
	for a := range tallies {
		answers = append(answers, a)
	}
	sort.Slice(answers, func(i, j int) bool {
		a, b := tallies[answers[i]], tallies[answers[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		ai, bi := a.confidence/float64(a.count), b.confidence/float64(b.count)
		if ai != bi {
			return ai > bi
		}
		return answers[i] < answers[j]
	})

	win := tallies[answers[0]]
	res := Result{
		FinalAnswer:   answers[0],
		Confidence:    win.confidence / float64(win.count),
		Contributions: make(map[backend.ID]Contribution, len(contribs)),
	}
	for _, c := range contribs {
		if c.Answer == res.FinalAnswer {
			c.Weight = 1 / float64(win.count)
		}
		res.Contributions[c.Backend] = c
	}
	res.PrimaryBackend = bestVoter(contribs, res.FinalAnswer)
	return res
}

// Weighted weights each vote by the contributor's rolling accuracy score;
// the answer with the highest weighted support wins.
type Weighted struct{}

func (Weighted) Score(contribs []Contribution) Result {
	support := make(map[string]float64)
	var total float64
	for _, c := range contribs {
		support[c.Answer] += c.Accuracy
		total += c.Accuracy
	}

	answers := make([]string, 0, len(support))
	for a := range support {
		answers = append(answers, a)
	}
	sort.Slice(answers, func(i, j int) bool {
		if support[answers[i]] != support[answers[j]] {
			return support[answers[i]] > support[answers[j]]
		}
		return answers[i] < answers[j]
	})

	winner := answers[0]
	res := Result{
		FinalAnswer:   winner,
		Contributions: make(map[backend.ID]Contribution, len(contribs)),
	}
	if total > 0 {
		res.Confidence = support[winner] / total
	}
	var sum, n float64
	for _, c := range contribs {
		if total > 0 {
			c.Weight = c.Accuracy / total
		}
		res.Contributions[c.Backend] = c
		if c.Answer == winner {
			sum += c.Confidence
			n++
		}
	}
	if n > 0 && sum/n > res.Confidence {
		res.Confidence = sum / n
	}
	res.PrimaryBackend = bestVoter(contribs, winner)
	return res
}

// ConfidenceBased returns the single answer with the highest individual
// confidence. This is the default mechanism.
type ConfidenceBased struct{}

func (ConfidenceBased) Score(contribs []Contribution) Result {
	best := 0
	for i, c := range contribs {
		if c.Confidence > contribs[best].Confidence ||
			(c.Confidence == contribs[best].Confidence && c.Backend < contribs[best].Backend) {
			best = i
		}
	}
	res := Result{
		FinalAnswer:    contribs[best].Answer,
		Confidence:     contribs[best].Confidence,
		PrimaryBackend: contribs[best].Backend,
		Contributions:  make(map[backend.ID]Contribution, len(contribs)),
	}
	for i, c := range contribs {
		if i == best {
			c.Weight = 1
		}
		res.Contributions[c.Backend] = c
	}
	return res
}

// bestVoter returns the highest-confidence contributor of the winning
// answer, with ID as a deterministic tie-break.
func bestVoter(contribs []Contribution, answer string) backend.ID {
	var id backend.ID
	conf := -1.0
	for _, c := range contribs {
		if c.Answer != answer {
			continue
		}
		if c.Confidence > conf || (c.Confidence == conf && c.Backend < id) {
			id = c.Backend
			conf = c.Confidence
		}
	}
	return id
}

// disagreement returns 1 - modal share of the final answer across all
// responders. Computed the same way regardless of the voting mechanism.
func disagreement(contribs []Contribution, final string) float64 {
	if len(contribs) == 0 {
		return 0
	}
	same := 0
	for _, c := range contribs {
		if c.Answer == final {
			same++
		}
	}
	return 1 - float64(same)/float64(len(contribs))
}
