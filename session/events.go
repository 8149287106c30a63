package session

import (
	"github.com/computersciencehouse/rankit/database"
	"github.com/computersciencehouse/rankit/sse"
)

const (
	EventConnected     = "connected"
	EventPollUpdated   = "poll_updated"
	EventPollCancelled = "poll_cancelled"
	EventException     = "exception"
)

type Connected struct {
	ConnectionId string `json:"connectionId"`
}

type Exception struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Cancelled struct {
	PollId string `json:"pollId"`
}

// RoomPublisher fans coordinator snapshots out to the poll's room.
type RoomPublisher struct {
	Broker *sse.Broker
}

func (p RoomPublisher) PollUpdated(poll *database.Poll) {
	p.Broker.Broadcast(poll.Id, EventPollUpdated, poll)
}

func (p RoomPublisher) PollCancelled(pollId string) {
	p.Broker.Broadcast(pollId, EventPollCancelled, Cancelled{PollId: pollId})
	p.Broker.CloseRoom(pollId)
}
