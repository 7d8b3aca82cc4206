package ritual

import "time"

// Phase is one step of the progress display. A session enters the phase
// once its elapsed time reaches Threshold.
type Phase struct {
	Threshold   time.Duration
	Label       string
	Description string
}

// DefaultPhases returns the stock four-step ritual.
func DefaultPhases() []Phase {
	return []Phase{
		{
			Threshold:   0,
			Label:       "Gathering arcane energies",
			Description: "The wizard rolls up their sleeves and reaches for the staff.",
		},
		{
			Threshold:   30 * time.Second,
			Label:       "Consulting the ancient tomes",
			Description: "Dusty pages turn as forgotten knowledge is sought.",
		},
		{
			Threshold:   60 * time.Second,
			Label:       "Weaving the spell",
			Description: "Threads of thought are spun into something worth reading.",
		},
		{
			Threshold:   90 * time.Second,
			Label:       "Sealing the incantation",
			Description: "The final runes are set. Almost there.",
		},
	}
}

// PhaseIndexAt returns the highest phase index whose threshold is at or
// below elapsed. The first phase is always entered, whatever its threshold.
func PhaseIndexAt(phases []Phase, elapsed time.Duration) int {
	idx := 0
	for i := 1; i < len(phases); i++ {
		if phases[i].Threshold > elapsed {
			break
		}
		idx = i
	}
	return idx
}
