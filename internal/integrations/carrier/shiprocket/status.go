package shiprocket

import (
	"strings"

	"github.com/BearBump/FulfillBox/internal/models"
)

// shipment_status codes from the tracking API.
var statusByCode = map[int]models.ShipmentStatus{
	1:  models.ShipmentStatusNew, // AWB assigned
	2:  models.ShipmentStatusNew, // label generated
	3:  models.ShipmentStatusPickupScheduled,
	4:  models.ShipmentStatusPickupScheduled, // pickup queued
	5:  models.ShipmentStatusPickupScheduled, // manifest generated
	6:  models.ShipmentStatusInTransit,       // shipped
	7:  models.ShipmentStatusDelivered,
	8:  models.ShipmentStatusCancelled,
	9:  models.ShipmentStatusRTOInitiated,
	10: models.ShipmentStatusRTODelivered,
	12: models.ShipmentStatusLost,
	13: models.ShipmentStatusPending, // pickup error
	14: models.ShipmentStatusRTOInitiated,
	15: models.ShipmentStatusPickupScheduled, // pickup rescheduled
	16: models.ShipmentStatusPending,         // cancellation requested
	17: models.ShipmentStatusOutForDelivery,
	18: models.ShipmentStatusInTransit,
	19: models.ShipmentStatusPickupScheduled, // out for pickup
	20: models.ShipmentStatusPending,         // pickup exception
	21: models.ShipmentStatusPending,         // undelivered
	22: models.ShipmentStatusInTransit,       // delayed
	24: models.ShipmentStatusDamaged,         // destroyed
	25: models.ShipmentStatusDamaged,
	38: models.ShipmentStatusInTransit, // reached destination hub
	42: models.ShipmentStatusPickedUp,
}

var statusByLabel = map[string]models.ShipmentStatus{
	"NEW":                    models.ShipmentStatusNew,
	"AWB ASSIGNED":           models.ShipmentStatusNew,
	"LABEL GENERATED":        models.ShipmentStatusNew,
	"PICKUP SCHEDULED":       models.ShipmentStatusPickupScheduled,
	"PICKUP GENERATED":       models.ShipmentStatusPickupScheduled,
	"PICKUP QUEUED":          models.ShipmentStatusPickupScheduled,
	"MANIFEST GENERATED":     models.ShipmentStatusPickupScheduled,
	"OUT FOR PICKUP":         models.ShipmentStatusPickupScheduled,
	"PICKED UP":              models.ShipmentStatusPickedUp,
	"SHIPPED":                models.ShipmentStatusInTransit,
	"IN TRANSIT":             models.ShipmentStatusInTransit,
	"REACHED AT DESTINATION": models.ShipmentStatusInTransit,
	"OUT FOR DELIVERY":       models.ShipmentStatusOutForDelivery,
	"DELIVERED":              models.ShipmentStatusDelivered,
	"CANCELED":               models.ShipmentStatusCancelled,
	"CANCELLED":              models.ShipmentStatusCancelled,
	"RTO INITIATED":          models.ShipmentStatusRTOInitiated,
	"RTO ACKNOWLEDGED":       models.ShipmentStatusRTOInitiated,
	"RTO DELIVERED":          models.ShipmentStatusRTODelivered,
	"LOST":                   models.ShipmentStatusLost,
	"DAMAGED":                models.ShipmentStatusDamaged,
	"DESTROYED":              models.ShipmentStatusDamaged,
}

// statusFromCode maps a numeric status; unknown codes fall back to PENDING.
func statusFromCode(code int) models.ShipmentStatus {
	if st, ok := statusByCode[code]; ok {
		return st
	}
	return models.ShipmentStatusPending
}

// statusFromLabel maps the carrier's free text ("In Transit", "RTO_DELIVERED").
func statusFromLabel(label string) (models.ShipmentStatus, bool) {
	key := strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(label, "_", " ")))
	if key == "" {
		return "", false
	}
	st, ok := statusByLabel[key]
	return st, ok
}
