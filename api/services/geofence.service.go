package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/go-playground/validator/v10"

	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/services/geofence"
)

var ErrGeofenceNotFound = errors.New("geofence not found")

// AreaRenderer draws and erases geofence circles on the map surface.
type AreaRenderer interface {
	ShowArea(ctx context.Context, area ontology.GeofenceArea) error
	RemoveArea(ctx context.Context, areaID string) error
}

// GeofenceService keeps the evaluator, its persistent copy and the map in step.
type GeofenceService struct {
	evaluator *geofence.Evaluator
	store     *geofence.Store
	renderer  AreaRenderer
	validate  *validator.Validate
}

func NewGeofenceService(evaluator *geofence.Evaluator, store *geofence.Store, renderer AreaRenderer) *GeofenceService {
	return &GeofenceService{
		evaluator: evaluator,
		store:     store,
		renderer:  renderer,
		validate:  validator.New(),
	}
}

// Load registers the stored areas plus any seeds with the evaluator. Seeds
// are persisted so they survive without the seeding config.
func (s *GeofenceService) Load(ctx context.Context, seeds ...ontology.GeofenceArea) (int, error) {
	stored, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load geofences: %w", err)
	}

	count := 0
	for _, a := range stored {
		if _, err := s.evaluator.Add(a); err != nil {
			log.Printf("Skipping stored geofence %s: %v", a.ID, err)
			continue
		}
		s.show(ctx, a)
		count++
	}

	for _, seed := range seeds {
		area, err := s.evaluator.Add(seed)
		if err != nil {
			return count, fmt.Errorf("invalid seeded geofence %q: %w", seed.Name, err)
		}
		if err := s.store.Save(ctx, area); err != nil {
			return count, err
		}
		s.show(ctx, area)
		count++
	}
	return count, nil
}

func (s *GeofenceService) CreateGeofence(ctx context.Context, req *ontology.CreateGeofenceRequest) (ontology.GeofenceArea, error) {
	if err := s.validate.Struct(req); err != nil {
		return ontology.GeofenceArea{}, fmt.Errorf("invalid geofence: %w", err)
	}

	area, err := s.evaluator.Add(ontology.GeofenceArea{
		Name:      req.Name,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Radius:    req.Radius,
	})
	if err != nil {
		return ontology.GeofenceArea{}, err
	}

	if err := s.store.Save(ctx, area); err != nil {
		s.evaluator.Remove(area.ID)
		return ontology.GeofenceArea{}, err
	}

	s.show(ctx, area)
	return area, nil
}

func (s *GeofenceService) ListGeofences() []ontology.GeofenceArea {
	return s.evaluator.List()
}

func (s *GeofenceService) DeleteGeofence(ctx context.Context, id string) error {
	if !s.evaluator.Remove(id) {
		return ErrGeofenceNotFound
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.renderer != nil {
		if err := s.renderer.RemoveArea(ctx, id); err != nil {
			log.Printf("Failed to remove geofence %s from map: %v", id, err)
		}
	}
	return nil
}

func (s *GeofenceService) show(ctx context.Context, area ontology.GeofenceArea) {
	if s.renderer == nil {
		return
	}
	if err := s.renderer.ShowArea(ctx, area); err != nil {
		log.Printf("Failed to draw geofence %s: %v", area.ID, err)
	}
}
