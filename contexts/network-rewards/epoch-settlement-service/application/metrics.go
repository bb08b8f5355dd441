package application

import (
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
)

type nopMetrics struct{}

func (nopMetrics) MessageSent(entities.Channel)             {}
func (nopMetrics) MessageSendFailed(entities.Channel)       {}
func (nopMetrics) ResponseReceived(entities.Channel)        {}
func (nopMetrics) DuplicateResponse(entities.Channel)       {}
func (nopMetrics) ResponseDropped(entities.Channel, string) {}
func (nopMetrics) RewardsFinalized(entities.Channel, int)   {}
func (nopMetrics) EpochCompleted(time.Duration)             {}

func ResolveMetrics(metrics ports.Metrics) ports.Metrics {
	if metrics == nil {
		return nopMetrics{}
	}
	return metrics
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func ResolveClock(clock ports.Clock) ports.Clock {
	if clock == nil {
		return systemClock{}
	}
	return clock
}
