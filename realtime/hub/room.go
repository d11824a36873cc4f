package hub

import (
	"strconv"
	"sync"
)

// CameraRoom names the room whose peers watch one camera.
func CameraRoom(cameraID int) string {
	return "camera:" + strconv.Itoa(cameraID)
}

type Room struct {
	name  string
	peers map[string]*Peer
	mu    sync.RWMutex
}

func NewRoom(name string) *Room {
	return &Room{
		name:  name,
		peers: make(map[string]*Peer),
	}
}

func (r *Room) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID()] = p
}

func (r *Room) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

func (r *Room) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.peers[id]
	return exists
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

func (r *Room) Name() string {
	return r.name
}

type RoomManager struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
	}
}

func (rm *RoomManager) Get(name string) (*Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, exists := rm.rooms[name]
	return room, exists
}

func (rm *RoomManager) Join(name string, p *Peer) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[name]
	if !exists {
		room = NewRoom(name)
		rm.rooms[name] = room
	}
	room.Add(p)
}

func (rm *RoomManager) Leave(name string, peerID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[name]
	if !exists {
		return
	}
	room.Remove(peerID)
	if room.Count() == 0 {
		delete(rm.rooms, name)
	}
}

func (rm *RoomManager) LeaveAll(peerID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for name, room := range rm.rooms {
		if room.Has(peerID) {
			room.Remove(peerID)
			if room.Count() == 0 {
				delete(rm.rooms, name)
			}
		}
	}
}

func (rm *RoomManager) RoomsOf(peerID string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var names []string
	for name, room := range rm.rooms {
		if room.Has(peerID) {
			names = append(names, name)
		}
	}
	return names
}
