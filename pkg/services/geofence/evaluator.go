// Package geofence evaluates circular areas for enter and exit transitions.
package geofence

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"constellation-tracker/pkg/geo"
	"constellation-tracker/pkg/ontology"
)

// Evaluator holds the areas and, per owner and area, whether the owner is
// currently inside. Events are produced only when that flag flips.
type Evaluator struct {
	mu          sync.Mutex
	areas       map[string]ontology.GeofenceArea
	containment map[string]map[string]bool // owner -> area -> inside
	now         func() time.Time
}

func NewEvaluator(areas ...ontology.GeofenceArea) *Evaluator {
	e := &Evaluator{
		areas:       make(map[string]ontology.GeofenceArea),
		containment: make(map[string]map[string]bool),
		now:         time.Now,
	}
	for _, a := range areas {
		if _, err := e.Add(a); err != nil {
			log.Printf("[Geofence] skipping seed area %q: %v", a.Name, err)
		}
	}
	return e
}

// Add registers an area, assigning an id if it has none. Re-adding an id
// replaces the area and resets containment for it.
func (e *Evaluator) Add(area ontology.GeofenceArea) (ontology.GeofenceArea, error) {
	if err := area.Validate(); err != nil {
		return ontology.GeofenceArea{}, fmt.Errorf("invalid geofence: %w", err)
	}
	if area.ID == "" {
		area.ID = uuid.New().String()
	}
	if area.CreatedAt.IsZero() {
		area.CreatedAt = e.now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.areas[area.ID] = area
	for _, inside := range e.containment {
		delete(inside, area.ID)
	}
	return area, nil
}

// Remove drops an area and its containment state. It reports whether the
// area existed.
func (e *Evaluator) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.areas[id]; !ok {
		return false
	}
	delete(e.areas, id)
	for _, inside := range e.containment {
		delete(inside, id)
	}
	return true
}

// List returns the areas sorted by name.
func (e *Evaluator) List() []ontology.GeofenceArea {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ontology.GeofenceArea, 0, len(e.areas))
	for _, a := range e.areas {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Inside reports the stored containment flag for an owner and area.
func (e *Evaluator) Inside(ownerID, areaID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.containment[ownerID][areaID]
}

// Evaluate updates containment for the reading's owner and returns the
// transitions it caused, ordered by area id.
func (e *Evaluator) Evaluate(r ontology.PositionReading) []ontology.GeofenceEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	inside, ok := e.containment[r.OwnerID]
	if !ok {
		inside = make(map[string]bool)
		e.containment[r.OwnerID] = inside
	}

	ids := make([]string, 0, len(e.areas))
	for id := range e.areas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var events []ontology.GeofenceEvent
	for _, id := range ids {
		area := e.areas[id]
		now := geo.DistanceMeters(r.Latitude, r.Longitude, area.Latitude, area.Longitude) <= area.Radius
		if now == inside[id] {
			continue
		}
		inside[id] = now

		transition := ontology.GeofenceExit
		if now {
			transition = ontology.GeofenceEnter
		}
		events = append(events, ontology.GeofenceEvent{
			ID:         uuid.New().String(),
			OwnerID:    r.OwnerID,
			Transition: transition,
			Area:       area,
			Reading:    r,
			Timestamp:  r.Timestamp,
		})
	}
	return events
}
