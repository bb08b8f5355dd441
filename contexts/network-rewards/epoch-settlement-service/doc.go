// Package epochsettlementservice settles daily network rewards inside the
// network-rewards context.
//
// For each epoch the module fans scoring requests for every active node out
// over the broker, turns the scoring responses into at most one reward per node
// and channel, splits the channel emission proportionally to the aggregated
// network score, and moves the epoch to ready-for-claim once both channels are
// finalized. Retry and regeneration loops recover channels that did not finish.
package epochsettlementservice
