/*
The MIT License (MIT)

Copyright (c) 2017-2021 Ismael Celis and contributors

Permission is hereby granted, free of charge, to any person obtaining a copy of
this software and associated documentation files (the "Software"), to deal in
the Software without restriction, including without limitation the rights to
use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
the Software, and to permit persons to whom the Software is furnished to do so,
subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

package sse

import (
	"context"
	"io"
	"time"

	"github.com/computersciencehouse/rankit/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPatience bounds how long one event may wait on the room's
	// slow clients, together.
	DefaultPatience  = time.Second * 1
	DefaultBuffer    = 16
	DefaultKeepAlive = time.Second * 15
)

type (
	NotificationEvent struct {
		EventName string
		Payload   interface{}
	}

	NotifierChan chan NotificationEvent

	// Client is one live connection. Its channel is closed by the broker
	// when the client leaves, is evicted, or its room is closed.
	Client struct {
		Id     string
		Room   string
		events NotifierChan
	}

	// envelope is a unit of work for the Listen loop. A nil target with a
	// room means a room-wide broadcast.
	envelope struct {
		room      string
		target    *Client
		event     NotificationEvent
		closeRoom bool
	}

	sizeQuery struct {
		room  string
		reply chan int
	}

	Broker struct {

		// Events are pushed to this channel by publishers, in commit order
		notifier chan envelope

		// New client connections
		newClients chan *Client

		// Closed client connections
		closingClients chan *Client

		sizes chan sizeQuery

		// Client connections registry, by room
		rooms map[string]map[*Client]struct{}

		patience  time.Duration
		buffer    int
		KeepAlive time.Duration

		done chan struct{}
	}
)

func NewBroker(patience time.Duration, buffer int) (broker *Broker) {
	if patience <= 0 {
		patience = DefaultPatience
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	// Instantiate a broker
	return &Broker{
		notifier:       make(chan envelope, buffer),
		newClients:     make(chan *Client),
		closingClients: make(chan *Client),
		sizes:          make(chan sizeQuery),
		rooms:          make(map[string]map[*Client]struct{}),
		patience:       patience,
		buffer:         buffer,
		KeepAlive:      DefaultKeepAlive,
		done:           make(chan struct{}),
	}
}

func (c *Client) Events() <-chan NotificationEvent {
	return c.events
}

// Join registers a new client in room. It returns once the Listen loop has
// accepted the client, or nil if the broker has stopped.
func (broker *Broker) Join(room string) *Client {
	client := &Client{
		Id:     uuid.NewString(),
		Room:   room,
		events: make(NotifierChan, broker.buffer),
	}
	select {
	case broker.newClients <- client:
		return client
	case <-broker.done:
		return nil
	}
}

// Leave removes client from its room.
func (broker *Broker) Leave(client *Client) {
	select {
	case broker.closingClients <- client:
	case <-broker.done:
	}
}

// Broadcast queues an event for every client currently in room.
func (broker *Broker) Broadcast(room, eventName string, payload interface{}) {
	broker.enqueue(envelope{room: room, event: NotificationEvent{EventName: eventName, Payload: payload}})
}

// Send queues an event for a single client, ordered with the broadcasts.
func (broker *Broker) Send(client *Client, eventName string, payload interface{}) {
	broker.enqueue(envelope{room: client.Room, target: client, event: NotificationEvent{EventName: eventName, Payload: payload}})
}

// CloseRoom disconnects every client in room once the events queued
// before it have been delivered.
func (broker *Broker) CloseRoom(room string) {
	broker.enqueue(envelope{room: room, closeRoom: true})
}

// RoomSize reports how many clients are in room.
func (broker *Broker) RoomSize(room string) int {
	q := sizeQuery{room: room, reply: make(chan int, 1)}
	select {
	case broker.sizes <- q:
		return <-q.reply
	case <-broker.done:
		return 0
	}
}

func (broker *Broker) enqueue(e envelope) {
	select {
	case broker.notifier <- e:
	case <-broker.done:
	}
}

// ServeClient streams the client's events as Server-Sent Events until the
// request ends or the broker closes the client.
func (broker *Broker) ServeClient(c *gin.Context, client *Client) {
	keepAlive := time.NewTicker(broker.KeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-client.events:
			if !ok {
				return false
			}
			// Emit Server Sent Events compatible
			c.SSEvent(event.EventName, event.Payload)
		case t := <-keepAlive.C:
			c.SSEvent("heartbeat", t.Unix())
		case <-c.Request.Context().Done():
			return false
		}

		// Flush the data immediately instead of buffering it for later.
		c.Writer.Flush()

		return true
	})
}

// Listen for new notifications and redistribute them to clients
func (broker *Broker) Listen(ctx context.Context) {
	log := logging.Logger.WithFields(logrus.Fields{"module": "sse", "method": "Listen"})
	defer close(broker.done)

	for {
		select {
		case <-ctx.Done():
			for room := range broker.rooms {
				broker.closeRoom(room)
			}
			log.Info("broker stopped")
			return
		case s := <-broker.newClients:

			// A new client has connected.
			// Register their message channel
			members, ok := broker.rooms[s.Room]
			if !ok {
				members = make(map[*Client]struct{})
				broker.rooms[s.Room] = members
			}
			members[s] = struct{}{}
			log.WithFields(logrus.Fields{"pollId": s.Room, "connectionId": s.Id}).Debugf("client added, %d in room", len(members))
		case s := <-broker.closingClients:

			// A client has dettached and we want to
			// stop sending them messages.
			if broker.remove(s) {
				log.WithFields(logrus.Fields{"pollId": s.Room, "connectionId": s.Id}).Debugf("removed client, %d in room", len(broker.rooms[s.Room]))
			}
		case q := <-broker.sizes:
			q.reply <- len(broker.rooms[q.room])
		case e := <-broker.notifier:
			if e.closeRoom {
				broker.closeRoom(e.room)
				continue
			}
			deadline := time.Now().Add(broker.patience)
			if e.target != nil {
				if _, ok := broker.rooms[e.room][e.target]; ok {
					broker.deliver(e.target, e.event, deadline)
				}
				continue
			}

			// Send event to all connected clients in the room
			for client := range broker.rooms[e.room] {
				broker.deliver(client, e.event, deadline)
			}
		}
	}
}

// deliver hands event to client, evicting a client that cannot keep up so
// it resynchronizes on reconnect instead of silently missing an update.
// Slow clients of one envelope share a single patience window.
func (broker *Broker) deliver(client *Client, event NotificationEvent, deadline time.Time) {
	select {
	case client.events <- event:
		return
	default:
	}

	if wait := time.Until(deadline); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case client.events <- event:
			return
		case <-timer.C:
		}
	}

	logging.Logger.WithFields(logrus.Fields{"module": "sse", "method": "deliver", "pollId": client.Room, "connectionId": client.Id}).Warn("evicting slow client")
	broker.remove(client)
}

func (broker *Broker) remove(client *Client) bool {
	members, ok := broker.rooms[client.Room]
	if !ok {
		return false
	}
	if _, ok := members[client]; !ok {
		return false
	}
	delete(members, client)
	close(client.events)
	if len(members) == 0 {
		delete(broker.rooms, client.Room)
	}
	return true
}

func (broker *Broker) closeRoom(room string) {
	for client := range broker.rooms[room] {
		close(client.events)
	}
	delete(broker.rooms, room)
}
