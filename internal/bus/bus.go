// Package bus provides the typed, non-blocking publish/subscribe channel
// between input producers (the gateway, one goroutine per connection) and
// the engine's single consumer task.
package bus

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
)

// VoteBatch carries validated votes from one client submission.
type VoteBatch struct {
	ClientID string
	Votes    []consensus.Vote
}

// LocationUpdate announces a client's new venue-local position.
type LocationUpdate struct {
	ClientID string
	Location consensus.Location
}

// Bus delivers events in arrival order per event type over bounded
// channels. Publishing never blocks: when a channel is full the event is
// dropped and counted, which only affects the current tick's input.
type Bus struct {
	votes     chan VoteBatch
	locations chan LocationUpdate

	droppedVotes     atomic.Uint64
	droppedLocations atomic.Uint64

	log zerolog.Logger
}

// Default channel capacities. Sized for a tick's worth of input from a
// full venue.
const (
	DefaultVoteCapacity     = 1024
	DefaultLocationCapacity = 256
)

// New creates a bus with the given channel capacities; non-positive values
// select the defaults.
func New(voteCapacity, locationCapacity int) *Bus {
	if voteCapacity <= 0 {
		voteCapacity = DefaultVoteCapacity
	}
	if locationCapacity <= 0 {
		locationCapacity = DefaultLocationCapacity
	}
	return &Bus{
		votes:     make(chan VoteBatch, voteCapacity),
		locations: make(chan LocationUpdate, locationCapacity),
		log:       log.With().Str("component", "bus").Logger(),
	}
}

// PublishVotes enqueues a vote batch. Returns false if the batch was
// dropped because the consumer is behind.
func (b *Bus) PublishVotes(batch VoteBatch) bool {
	select {
	case b.votes <- batch:
		return true
	default:
		b.droppedVotes.Add(1)
		b.log.Warn().
			Str("client", batch.ClientID).
			Int("votes", len(batch.Votes)).
			Msg("Vote batch dropped, consumer behind")
		return false
	}
}

// PublishLocation enqueues a location update. Returns false on drop.
func (b *Bus) PublishLocation(u LocationUpdate) bool {
	select {
	case b.locations <- u:
		return true
	default:
		b.droppedLocations.Add(1)
		return false
	}
}

// Votes returns the consumer's vote-batch channel.
func (b *Bus) Votes() <-chan VoteBatch {
	return b.votes
}

// Locations returns the consumer's location-update channel.
func (b *Bus) Locations() <-chan LocationUpdate {
	return b.locations
}

// Dropped returns the cumulative drop counters.
func (b *Bus) Dropped() (votes, locations uint64) {
	return b.droppedVotes.Load(), b.droppedLocations.Load()
}
