package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/swiftparcel/realtime/model"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

type (
	Router interface {
		Emit(ctx context.Context, env model.Envelope)
	}

	// Emitter is the surface collaborators see: the CRUD layer calls
	// Emit after persisting a mutation, and only validation failures
	// come back. Everything past validation is best-effort.
	Emitter struct {
		router Router
		logger zerolog.Logger
	}

	Config struct {
		Router Router
		Logger *zerolog.Logger
	}
)

func NewEmitter(cfg Config) *Emitter {
	return &Emitter{
		router: cfg.Router,
		logger: cfg.Logger.With().Str("component", "emitter").Logger(),
	}
}

// Emit validates the envelope and hands it to the router. A
// ValidationError means the caller produced malformed data and must
// not retry with it; a nil return means the envelope was accepted,
// not that it was delivered.
func (e *Emitter) Emit(ctx context.Context, env model.Envelope) error {
	env = env.Normalized()
	if err := env.Validate(); err != nil {
		e.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("rejected malformed envelope")
		return errors.Join(ErrInvalidEnvelope, err)
	}
	e.router.Emit(ctx, env)
	e.logger.Debug().
		Str("kind", string(env.Kind)).
		Str("parcelID", env.ParcelID).
		Msg("envelope accepted")
	return nil
}
