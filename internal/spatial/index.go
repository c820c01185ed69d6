// Package spatial buckets players into fixed-size grid cells so proximity
// queries only visit the cells around the origin.
package spatial

import (
	"math"
	"sync"

	"proxvoice/pkg/types"
)

// DefaultCellSize is the edge length of a grid cell in world units.
const DefaultCellSize = 50.0

// CellKey identifies one cell. Cells in different dimensions never collide.
type CellKey struct {
	Dimension string
	X, Z      int64
}

// Index maps players to cells.
// ARCHITECTURAL DISCOVERY: members is the inverse of cells so a player can
// always be found and removed from exactly the cell it was inserted into
type Index struct {
	mu       sync.RWMutex
	cellSize float64
	cells    map[CellKey]map[string]struct{}
	members  map[string]CellKey
}

// Stats describes index occupancy.
type Stats struct {
	TotalCells            int     `json:"totalCells"`
	TotalPlayers          int     `json:"totalPlayers"`
	AveragePlayersPerCell float64 `json:"averagePlayersPerCell"`
	CellSize              float64 `json:"gridSize"`
}

// New creates an empty index. A non-positive cellSize uses DefaultCellSize.
func New(cellSize float64) *Index {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Index{
		cellSize: cellSize,
		cells:    make(map[CellKey]map[string]struct{}),
		members:  make(map[string]CellKey),
	}
}

// KeyFor returns the cell a position falls into. Y is ignored.
func (i *Index) KeyFor(dimension string, pos types.Vec3) CellKey {
	return CellKey{
		Dimension: dimension,
		X:         int64(math.Floor(pos.X / i.cellSize)),
		Z:         int64(math.Floor(pos.Z / i.cellSize)),
	}
}

// Upsert places uuid in the cell for (dimension, pos). It reports whether
// the player changed cells; an unchanged key is a no-op.
func (i *Index) Upsert(uuid, dimension string, pos types.Vec3) bool {
	key := i.KeyFor(dimension, pos)

	i.mu.Lock()
	defer i.mu.Unlock()

	old, present := i.members[uuid]
	if present && old == key {
		return false
	}
	if present {
		i.detach(uuid, old)
	}

	set, ok := i.cells[key]
	if !ok {
		set = make(map[string]struct{})
		i.cells[key] = set
	}
	set[uuid] = struct{}{}
	i.members[uuid] = key
	return true
}

// Remove drops uuid from the index. Unknown players are ignored.
func (i *Index) Remove(uuid string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	key, ok := i.members[uuid]
	if !ok {
		return false
	}
	i.detach(uuid, key)
	delete(i.members, uuid)
	return true
}

func (i *Index) detach(uuid string, key CellKey) {
	set := i.cells[key]
	delete(set, uuid)
	if len(set) == 0 {
		delete(i.cells, key)
	}
}

// CellOf returns the cell uuid currently occupies.
func (i *Index) CellOf(uuid string) (CellKey, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	key, ok := i.members[uuid]
	return key, ok
}

// QueryNearby returns every player in the cells covering radius around
// uuid's cell, excluding uuid itself. The result is a superset of players
// within radius; callers filter by exact distance.
func (i *Index) QueryNearby(uuid string, radius float64) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	key, ok := i.members[uuid]
	if !ok {
		return nil
	}
	return i.collect(key, radius, uuid)
}

// QueryPoint returns every player whose cell lies within radius of pos.
func (i *Index) QueryPoint(dimension string, pos types.Vec3, radius float64) []string {
	key := i.KeyFor(dimension, pos)

	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.collect(key, radius, "")
}

func (i *Index) collect(center CellKey, radius float64, exclude string) []string {
	r := int64(math.Ceil(radius / i.cellSize))
	if r < 1 {
		r = 1
	}

	var out []string
	for dx := -r; dx <= r; dx++ {
		for dz := -r; dz <= r; dz++ {
			k := CellKey{Dimension: center.Dimension, X: center.X + dx, Z: center.Z + dz}
			for id := range i.cells[k] {
				if id != exclude {
					out = append(out, id)
				}
			}
		}
	}
	return out
}

// Len returns the number of indexed players.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.members)
}

// Stats reports cell occupancy.
func (i *Index) Stats() Stats {
	i.mu.RLock()
	defer i.mu.RUnlock()

	s := Stats{
		TotalCells:   len(i.cells),
		TotalPlayers: len(i.members),
		CellSize:     i.cellSize,
	}
	if s.TotalCells > 0 {
		s.AveragePlayersPerCell = float64(s.TotalPlayers) / float64(s.TotalCells)
	}
	return s
}
