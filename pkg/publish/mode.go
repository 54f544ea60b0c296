package publish

import "github.com/pkg/errors"

// Mode says what to do with a result branch.
type Mode string

const (
	// ModePush pushes the branch straight to its target.
	ModePush Mode = "push"
	// ModeAttemptPush tries a push and falls back to a proposal when
	// the forge refuses.
	ModeAttemptPush Mode = "attempt-push"
	// ModePropose opens (or updates) a merge proposal.
	ModePropose Mode = "propose"
	// ModeBuildOnly builds but never publishes.
	ModeBuildOnly Mode = "build-only"
	// ModeSkip disables the campaign for this branch entirely.
	ModeSkip Mode = "skip"
)

// ParseMode validates a mode string from policy or an HTTP request.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePush, ModeAttemptPush, ModePropose, ModeBuildOnly, ModeSkip:
		return m, nil
	}
	return "", errors.Errorf("unknown publish mode %q", s)
}

func (m Mode) String() string {
	return string(m)
}

// publishes reports whether the mode touches the forge at all.
func (m Mode) publishes() bool {
	switch m {
	case ModePush, ModeAttemptPush, ModePropose:
		return true
	}
	return false
}

// equivalentModes lists the recorded modes that count as "the same
// publish" for the idempotence check. An attempt-push is recorded as
// whichever of push or propose actually happened, so it matches both.
func equivalentModes(m Mode) []string {
	switch m {
	case ModePush:
		return []string{string(ModePush), string(ModeAttemptPush)}
	case ModePropose:
		return []string{string(ModePropose), string(ModeAttemptPush)}
	case ModeAttemptPush:
		return []string{string(ModePush), string(ModePropose), string(ModeAttemptPush)}
	}
	return []string{string(m)}
}
