package shared

import "fmt"

// NATS Subject patterns
const (
	SubjectPrefix = "tracker"

	// Readings accepted by the engine and written to the remote store
	SubjectReadings     = "tracker.readings"
	SubjectReadingsAll  = "tracker.readings.>"
	SubjectOwnerReading = "tracker.readings.%s" // owner_id

	// Geofence transitions
	SubjectGeofenceAll   = "tracker.geofence.>"
	SubjectGeofenceEvent = "tracker.geofence.%s.%s" // owner_id, transition

	// Device position feed
	SubjectDevicePosition = "tracker.device.%s.position" // owner_id
	SubjectDeviceCurrent  = "tracker.device.%s.current"  // owner_id

	// Host bridge
	SubjectBridgeRequests = "tracker.bridge.%s.requests" // owner_id
	SubjectBridgeMessages = "tracker.bridge.%s.messages" // owner_id

	// Rendering surface
	SubjectRenderMarker = "tracker.render.%s.marker" // owner_id
	SubjectRenderArea   = "tracker.render.%s.area"   // owner_id

	// System subjects
	SubjectSystemAlerts    = "tracker.system.alerts"
	SubjectSystemAlertsAll = "tracker.system.alerts.>"
	SubjectOwnerAlert      = "tracker.system.alerts.%s" // owner_id
)

// Stream names
const (
	StreamReadings       = "TRACKER_READINGS"
	StreamGeofenceEvents = "TRACKER_GEOFENCE_EVENTS"
	StreamAlerts         = "TRACKER_ALERTS"
)

// Key-value buckets
const (
	BucketTrackingStatus = "TRACKING_STATUS"
)

// Consumer names
const (
	ConsumerReadingProcessor  = "reading-processor"
	ConsumerGeofenceProcessor = "geofence-processor"
	ConsumerAlertProcessor    = "alert-processor"
)

// Helper functions to generate subjects
func OwnerReadingSubject(ownerID string) string {
	return fmt.Sprintf(SubjectOwnerReading, ownerID)
}

func GeofenceEventSubject(ownerID, transition string) string {
	return fmt.Sprintf(SubjectGeofenceEvent, ownerID, transition)
}

func DevicePositionSubject(ownerID string) string {
	return fmt.Sprintf(SubjectDevicePosition, ownerID)
}

func DeviceCurrentSubject(ownerID string) string {
	return fmt.Sprintf(SubjectDeviceCurrent, ownerID)
}

func BridgeRequestsSubject(ownerID string) string {
	return fmt.Sprintf(SubjectBridgeRequests, ownerID)
}

func BridgeMessagesSubject(ownerID string) string {
	return fmt.Sprintf(SubjectBridgeMessages, ownerID)
}

func RenderMarkerSubject(ownerID string) string {
	return fmt.Sprintf(SubjectRenderMarker, ownerID)
}

func RenderAreaSubject(ownerID string) string {
	return fmt.Sprintf(SubjectRenderArea, ownerID)
}

func OwnerAlertSubject(ownerID string) string {
	return fmt.Sprintf(SubjectOwnerAlert, ownerID)
}
