package chat

import (
	"context"
	"errors"
	"fmt"

	"wizardchat/internal/llm"
)

// Failure is what a user sees when a message could not be answered.
type Failure struct {
	Kind    llm.ErrorKind `json:"kind"`
	Message string        `json:"error"`
	// SuggestShorter hints that a shorter response mode would likely work.
	SuggestShorter bool `json:"suggest_shorter"`
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

var openers = map[llm.Mode]string{
	llm.ModeBrief:    "",
	llm.ModeStandard: "Hmm. ",
	llm.ModeDetailed: "Alas, ",
	llm.ModeEpic:     "Alas, brave seeker! ",
}

// newFailure converts any error from the send path into a Failure. A
// timeout on a long request suggests a shorter mode.
func newFailure(err error, mode llm.Mode, budget, longThreshold int) *Failure {
	kind := llm.KindOf(err)
	if kind == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = llm.KindTimeout
		case errors.Is(err, context.Canceled):
			kind = llm.KindCanceled
		default:
			kind = llm.KindNetwork
		}
	}

	f := &Failure{Kind: kind}
	opener := openers[mode]

	switch kind {
	case llm.KindConfig:
		f.Message = "The wizard's spellbook is missing its key. Ask the keeper of this realm to configure DEEPSEEK_API_KEY."
	case llm.KindTimeout:
		if budget > longThreshold {
			f.SuggestShorter = true
			f.Message = opener + fmt.Sprintf("The %s spell took too long to cast. Try a shorter response mode, such as brief or standard.", mode)
		} else {
			f.Message = opener + "The spell took too long to cast. Please try again."
		}
	case llm.KindRemote:
		status := llm.StatusOf(err)
		if status >= 400 && status < 500 {
			f.Message = opener + fmt.Sprintf("The arcane servers rejected this spell (status %d).", status)
		} else {
			f.Message = opener + fmt.Sprintf("The arcane servers are troubled (status %d). Please try again shortly.", status)
		}
	case llm.KindEmptyReply:
		f.Message = opener + "The wizard returned from the ether with empty hands. Please try again."
	case llm.KindNetwork:
		f.Message = opener + "The wizard cannot reach the arcane servers right now. Please try again shortly."
	case llm.KindInvalidRequest:
		f.Message = "That request could not be understood: " + invalidReason(err)
	case llm.KindCanceled:
		f.Message = "The ritual was cancelled."
	default:
		f.Message = opener + "Something went wrong in the spellwork."
	}
	return f
}

func invalidReason(err error) string {
	var e *llm.Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}
