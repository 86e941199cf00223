package chat

// Level counts how many reveal thresholds a match has crossed (0-4).
type Level int

const MaxLevel Level = 4

// Thresholds are the message counts at which the server raises the unlock
// level. The comparison itself happens server-side; the client only indexes
// this table to draw progress.
var Thresholds = []int{20, 60, 100, 150}

type Reveal struct {
	Level     Level
	Threshold int
	Fields    []string
}

var Reveals = []Reveal{
	{Level: 1, Threshold: 20, Fields: []string{"interests"}},
	{Level: 2, Threshold: 60, Fields: []string{"bio"}},
	{Level: 3, Threshold: 100, Fields: []string{"photo_blurred"}},
	{Level: 4, Threshold: 150, Fields: []string{"photo_url"}},
}

func LevelFor(count int) Level {
	l := Level(0)
	for _, t := range Thresholds {
		if count >= t {
			l++
		}
	}
	return l
}

// NextThreshold returns the message count needed for the level after l.
func NextThreshold(l Level) (int, bool) {
	if l < 0 {
		l = 0
	}
	if l >= MaxLevel {
		return 0, false
	}
	return Thresholds[l], true
}

// Progress is how far count has moved from the current level's threshold
// towards the next one, clamped to [0, 1].
func Progress(count int, l Level) float64 {
	next, ok := NextThreshold(l)
	if !ok {
		return 1
	}
	prev := 0
	if l > 0 {
		prev = Thresholds[l-1]
	}
	p := float64(count-prev) / float64(next-prev)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

func MessagesToNext(count int, l Level) int {
	next, ok := NextThreshold(l)
	if !ok || count >= next {
		return 0
	}
	return next - count
}

// RevealedFields lists every partner field unlocked up to and including l.
func RevealedFields(l Level) []string {
	var out []string
	for _, r := range Reveals {
		if r.Level <= l {
			out = append(out, r.Fields...)
		}
	}
	return out
}

func clampLevel(l int) Level {
	if l < 0 {
		return 0
	}
	if Level(l) > MaxLevel {
		return MaxLevel
	}
	return Level(l)
}
