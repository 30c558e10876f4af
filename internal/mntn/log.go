package mntn

import (
	"github.com/rs/zerolog"

	"github.com/danmuck/cnasreg/internal/protocol"
)

// LogRecorder writes maintenance records to a zerolog logger.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With().Str("component", "mntn").Logger()}
}

func (r *LogRecorder) LogMessage(env protocol.Envelope, msg protocol.Message) {
	r.logger.Debug().
		Str("msg", env.Name.String()).
		Str("sender", env.Sender.String()).
		Str("receiver", env.Receiver.String()).
		Uint32("len", env.Length).
		Interface("payload", msg).
		Msg("mntn.message")
}

func (r *LogRecorder) LogUnhandled(rec UnhandledRecord) {
	r.logger.Info().
		Str("module", rec.Module).
		Str("state", rec.StateName).
		Str("msg", rec.Envelope.Name.String()).
		Str("sender", rec.Envelope.Sender.String()).
		Msg("mntn.unhandled discarded")
}

func (r *LogRecorder) LogFault(rec FaultRecord) {
	r.logger.Error().
		Err(rec.Err).
		Str("module", rec.Module).
		Str("state", rec.StateName).
		Str("msg", rec.Envelope.Name.String()).
		Msg("mntn.fault rolled back")
}
