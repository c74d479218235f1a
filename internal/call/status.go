package call

import (
	"github.com/flametree-ai/sipvox/pkg/telephony"
)

// State is the conversation phase of a single call. The controller moves
// between the first three states as the user speaks and the backend
// generates; StateFinished is terminal and absorbing.
type State int32

const (
	// StateWaitForUser: listening, no generation outstanding.
	StateWaitForUser State = iota

	// StateSpeculativeGenerate: a start was issued on a short pause and may
	// still be rolled back if the user keeps talking.
	StateSpeculativeGenerate

	// StateCommitGenerate: the turn is committed, no rollback possible.
	StateCommitGenerate

	// StateFinished: the conversation is over; the call winds down once the
	// last reply has played out.
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateWaitForUser:
		return "wait_for_user"
	case StateSpeculativeGenerate:
		return "speculative_generate"
	case StateCommitGenerate:
		return "commit_generate"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Close statuses reported to the backend when a session ends.
const (
	CloseCompleted    = "completed"
	CloseDeclined     = "declined"
	CloseBusy         = "busy"
	CloseCanceled     = "canceled"
	CloseNoAnswer     = "noanswer"
	CloseNotFound     = "not_found"
	CloseNetworkError = "network_error"
	CloseTransferred  = "transferred"
	CloseUnknown      = "unknown"
)

// CloseStatus translates the final SIP status code of a leg into the close
// status the backend understands.
func CloseStatus(sipCode int) string {
	switch sipCode {
	case telephony.StatusOK:
		return CloseCompleted
	case telephony.StatusDecline:
		return CloseDeclined
	case telephony.StatusBusyHere:
		return CloseBusy
	case telephony.StatusRequestTerminated:
		return CloseCanceled
	case telephony.StatusTemporarilyUnavail, telephony.StatusRequestTimeout:
		return CloseNoAnswer
	case telephony.StatusNotFound:
		return CloseNotFound
	case telephony.StatusServiceUnavailable, telephony.StatusGatewayTimeout:
		return CloseNetworkError
	default:
		return CloseUnknown
	}
}
