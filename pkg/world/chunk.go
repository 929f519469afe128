package world

import (
	"github.com/mgrant26/clubcthulu/pkg/registry"
)

// Chunk is a fixed-size region of the world grid.
type Chunk struct {
	world         *World
	x, y          int
	width, height int
	clients       []*registry.Client
}

func newChunk(w *World, x, y, width, height int) *Chunk {
	return &Chunk{world: w, x: x, y: y, width: width, height: height}
}

func (c *Chunk) addClient(client *registry.Client) {
	c.clients = append(c.clients, client)
	client.SetChunk([2]int{c.x, c.y})
}

func (c *Chunk) removeClient(client *registry.Client) {
	for i, existing := range c.clients {
		if existing == client {
			c.clients = append(c.clients[:i], c.clients[i+1:]...)
			return
		}
	}
}

func (c *Chunk) updateClients() {
	for _, client := range c.clients {
		c.updateClient(client)
	}
}

// updateClient integrates one tick of client's velocity against the world's
// shared delta, migrating it to an adjacent chunk when it crosses this
// chunk's boundary, and clamping it in place if the target chunk doesn't
// exist.
func (c *Chunk) updateClient(client *registry.Client) {
	vel := client.Vel()
	pos := client.Pos()
	delta := c.world.delta

	holdX := int(float64(pos[0]) + vel[0]*delta)
	holdY := int(float64(pos[1]) + vel[1]*delta)
	nextX := mod(holdX, c.width)
	nextY := mod(holdY, c.height)

	if nextX != holdX || nextY != holdY {
		nX := floorDiv(holdX, c.width)
		nY := floorDiv(holdY, c.height)
		if c.world.moveClientLocked(client, c.x+nX, c.y+nY) {
			client.SetPos([2]int{nextX, nextY})
		} else {
			client.SetPos([2]int{
				clamp(pos[0]+int(vel[0]), 0, c.width),
				clamp(pos[1]+int(vel[1]), 0, c.height),
			})
		}
	} else {
		client.SetPos([2]int{holdX, holdY})
		c.world.moveClientLocked(client, c.x, c.y)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
