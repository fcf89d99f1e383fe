package extract

import (
	"context"
	"encoding/json"
	"time"
)

// HandleBrokerMessage ingests one provider event delivered over the message
// broker. The payload is the same envelope the HTTP endpoint accepts.
// Broker deliveries have no caller to report to, so every failure ends in a
// log line and a metric.
func (p *Pipeline) HandleBrokerMessage(topic string, payload []byte) {
	var req TurnRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("malformed broker message, dropping")
		return
	}
	if err := req.Validate(); err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("invalid broker message, dropping")
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	res, err := p.Process(ctx, &req)
	if err != nil {
		p.log.Error().Err(err).
			Str("session_id", req.SessionID).
			Int("turn_number", req.TurnNumber).
			Msg("broker turn ingestion failed")
		return
	}

	p.log.Debug().
		Str("session_id", req.SessionID).
		Int("turn_number", req.TurnNumber).
		Bool("processed", res.Processed).
		Msg("broker turn ingested")
}
