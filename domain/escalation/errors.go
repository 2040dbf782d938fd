package escalation

import (
	"errors"

	"github.com/pyama86/siren/domain/repository"
)

var (
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrIncidentNotFound  = errors.New("incident not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrActorRequired     = errors.New("actor is required")
	ErrPolicyNotFound    = errors.New("policy not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrNoSender          = errors.New("no sender for channel")
	ErrContended         = errors.New("contended")
	ErrInvalidPolicy     = errors.New("invalid policy")
	ErrInvalidTemplate   = errors.New("invalid template")
	ErrTemplateInUse     = errors.New("template in use")
	errClaimExpired      = errors.New("claim expired")
	errIncidentClosed    = errors.New("incident no longer open")
)

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying: the step fails right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent also covers senders that report the target as rejected.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, repository.ErrTargetRejected)
}
