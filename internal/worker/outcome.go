package worker

import "errors"

// ErrAckFailed marks a published job whose acknowledgement did not reach the
// broker. The broker will redeliver it and the work will be repeated.
var ErrAckFailed = errors.New("job acknowledgement failed")

// Outcome is the terminal result of one run.
type Outcome string

const (
	// OutcomeNoJob means the queue was empty.
	OutcomeNoJob Outcome = "no_job"
	// OutcomeDone means the job was published and acknowledged.
	OutcomeDone Outcome = "done"
	// OutcomeRejected means the job can never succeed and was acknowledged
	// to drop it.
	OutcomeRejected Outcome = "rejected"
	// OutcomeAbandoned means the job was left unacknowledged for redelivery.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeFatal means the worker could not run at all.
	OutcomeFatal Outcome = "fatal"
	// OutcomeAckFailure means the acknowledgement itself failed.
	OutcomeAckFailure Outcome = "ack_failure"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitFatal      = 1
	ExitRejected   = 2
	ExitAbandoned  = 3
	ExitAckFailure = 4
)

// ExitCode maps the outcome to the process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeNoJob, OutcomeDone:
		return ExitOK
	case OutcomeRejected:
		return ExitRejected
	case OutcomeAbandoned:
		return ExitAbandoned
	case OutcomeAckFailure:
		return ExitAckFailure
	default:
		return ExitFatal
	}
}

// State names the stage a job is in.
type State string

const (
	StateClaiming      State = "claiming"
	StateDownloading   State = "downloading"
	StateVerifying     State = "verifying"
	StateTranscoding   State = "transcoding"
	StatePublishing    State = "publishing"
	StateAcknowledging State = "acknowledging"
)

// Report describes how a run ended.
type Report struct {
	RunID        string
	JobID        string
	Outcome      Outcome
	State        State
	Acked        bool
	SourceKey    string
	OutputPrefix string
	MasterKey    string
	PlaybackURL  string
	Renditions   int
	Failures     int
	Err          error
}

// ExitCode is the process exit status for the report.
func (r Report) ExitCode() int {
	return r.Outcome.ExitCode()
}
