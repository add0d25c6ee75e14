// Package mood implements deterministic mood selection and transition guards.
//
// The mood engine is a pure function over a signal record: no clock, no
// randomness, no hidden state. The orchestrator derives signals from run
// outcomes and stores the resulting mood on the work item, so replaying the
// same signals always reproduces the same mood history.
package mood

// Mood is one of the eight operating stances an agent run can be in.
type Mood string

const (
	Calm        Mood = "CALM"
	Curious     Mood = "CURIOUS"
	Skeptical   Mood = "SKEPTICAL"
	Paranoid    Mood = "PARANOID"
	Bold        Mood = "BOLD"
	Petty       Mood = "PETTY"
	Contrite    Mood = "CONTRITE"
	Deferential Mood = "DEFERENTIAL"
)

// All lists every mood in a fixed order.
func All() []Mood {
	return []Mood{Calm, Curious, Skeptical, Paranoid, Bold, Petty, Contrite, Deferential}
}

// Valid reports whether m is one of the eight known moods.
func (m Mood) Valid() bool {
	switch m {
	case Calm, Curious, Skeptical, Paranoid, Bold, Petty, Contrite, Deferential:
		return true
	}
	return false
}

func (m Mood) String() string {
	return string(m)
}

// Signals is the input record for mood selection. Zero values are meaningful:
// an absent demo or absent conjectures steer the initial mood to CURIOUS, so
// callers should set HasDemo and ConjecturesPresent explicitly once those
// facts are known.
type Signals struct {
	CrashDetected                 bool `json:"crash_detected"`
	HasDemo                       bool `json:"has_demo"`
	ConjecturesPresent            bool `json:"conjectures_present"`
	RepeatedVerifierFailures      bool `json:"repeated_verifier_failures"`
	AboutToCrossPrivilegeBoundary bool `json:"about_to_cross_privilege_boundary"`
	PreferenceMissing             bool `json:"preference_missing"`
	AmbiguityBlocking             bool `json:"ambiguity_blocking"`
	UserIdk                       bool `json:"user_idk"`
	VerifiersRegress              bool `json:"verifiers_regress"`
	HyperthesisHigh               bool `json:"hyperthesis_high"`
	MitigationsInstalled          bool `json:"mitigations_installed"`
	VerifiedAndBounded            bool `json:"verified_and_bounded"`
	SuspectedRewardHack           bool `json:"suspected_reward_hack"`
	StateConsistent               bool `json:"state_consistent"`

	// PreviousMood is consulted only when recovering from CONTRITE; empty
	// means "no prior mood" and recovery lands on CALM.
	PreviousMood Mood `json:"previous_mood,omitempty"`
}

// Initial selects the mood for a fresh run. First matching rule wins.
func Initial(sig Signals) Mood {
	if sig.CrashDetected {
		return Contrite
	}
	if !sig.HasDemo || !sig.ConjecturesPresent {
		return Curious
	}
	if sig.RepeatedVerifierFailures {
		return Skeptical
	}
	if sig.AboutToCrossPrivilegeBoundary {
		if sig.PreferenceMissing {
			return Deferential
		}
		return Paranoid
	}
	return Calm
}

// Transition applies the preemptive guards, then the per-state rules, and
// returns the next mood. Signals that match no rule leave the mood unchanged.
func Transition(current Mood, sig Signals) Mood {
	if sig.CrashDetected {
		return Contrite
	}
	if sig.SuspectedRewardHack {
		return Petty
	}
	if sig.PreferenceMissing {
		return Deferential
	}

	switch current {
	case Calm:
		if sig.AmbiguityBlocking || sig.UserIdk {
			return Curious
		}
		if sig.VerifiersRegress {
			return Skeptical
		}
	case Skeptical:
		if sig.HyperthesisHigh {
			return Paranoid
		}
		if sig.VerifiedAndBounded {
			return Calm
		}
	case Paranoid:
		if sig.MitigationsInstalled {
			return Bold
		}
	case Contrite:
		if sig.StateConsistent {
			if sig.PreviousMood != "" {
				return sig.PreviousMood
			}
			return Calm
		}
		return Contrite
	}

	return current
}
