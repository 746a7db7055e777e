// Package logistics defines the replicated payload types for the supply
// workflow: requisitions raised at facilities, shipments dispatched against
// them, and proof of delivery captured on receipt. Master-data payloads carry
// the facility and product catalog the workflow references.
package logistics

import (
	"fmt"
	"time"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/payload"
)

// Replicated event payload kinds.
const (
	KindRequisitionSubmitted payload.Kind = "requisition.submitted"
	KindRequisitionApproved  payload.Kind = "requisition.approved"
	KindShipmentCreated      payload.Kind = "shipment.created"
	KindProofOfDelivery      payload.Kind = "shipment.proof_of_delivery"
	KindStockAdjusted        payload.Kind = "stock.adjusted"
)

// Master-data record kinds.
const (
	MasterDataFacilityUpserted = "masterdata.facility_upserted"
	MasterDataProductUpserted  = "masterdata.product_upserted"
)

// RequisitionLine is one requested product and quantity.
type RequisitionLine struct {
	ProductCode string `msgpack:"product_code"`
	Quantity    int64  `msgpack:"quantity"`
}

// RequisitionSubmitted is raised when a facility submits a requisition.
type RequisitionSubmitted struct {
	RequisitionID string            `msgpack:"requisition_id"`
	FacilityID    string            `msgpack:"facility_id"`
	ProgramCode   string            `msgpack:"program_code"`
	Period        string            `msgpack:"period"`
	Lines         []RequisitionLine `msgpack:"lines"`
	SubmittedAt   time.Time         `msgpack:"submitted_at"`
}

// RequisitionApproved is raised when the central tier approves a requisition.
type RequisitionApproved struct {
	RequisitionID string            `msgpack:"requisition_id"`
	ApprovedBy    string            `msgpack:"approved_by"`
	Lines         []RequisitionLine `msgpack:"lines"`
	ApprovedAt    time.Time         `msgpack:"approved_at"`
}

// ShipmentLine is one shipped product, lot, and quantity.
type ShipmentLine struct {
	ProductCode string `msgpack:"product_code"`
	LotCode     string `msgpack:"lot_code,omitempty"`
	Quantity    int64  `msgpack:"quantity"`
}

// ShipmentCreated is raised when a shipment is dispatched against an
// approved requisition.
type ShipmentCreated struct {
	ShipmentID    string         `msgpack:"shipment_id"`
	RequisitionID string         `msgpack:"requisition_id"`
	FromFacility  string         `msgpack:"from_facility"`
	ToFacility    string         `msgpack:"to_facility"`
	Lines         []ShipmentLine `msgpack:"lines"`
	ShippedAt     time.Time      `msgpack:"shipped_at"`
}

// ProofOfDelivery is raised when the destination confirms receipt.
type ProofOfDelivery struct {
	ShipmentID  string         `msgpack:"shipment_id"`
	ReceivedBy  string         `msgpack:"received_by"`
	Lines       []ShipmentLine `msgpack:"lines"`
	Remarks     string         `msgpack:"remarks,omitempty"`
	DeliveredAt time.Time      `msgpack:"delivered_at"`
}

// StockAdjusted is raised for local stock movements outside the shipment
// flow (counts, losses, expiries).
type StockAdjusted struct {
	FacilityID  string    `msgpack:"facility_id"`
	ProductCode string    `msgpack:"product_code"`
	Delta       int64     `msgpack:"delta"`
	Reason      string    `msgpack:"reason"`
	AdjustedAt  time.Time `msgpack:"adjusted_at"`
}

// Facility is the master-data payload describing one facility.
type Facility struct {
	FacilityID string `msgpack:"facility_id"`
	Name       string `msgpack:"name"`
	District   string `msgpack:"district,omitempty"`
	Active     bool   `msgpack:"active"`
}

// Product is the master-data payload describing one product.
type Product struct {
	ProductCode string `msgpack:"product_code"`
	Name        string `msgpack:"name"`
	Unit        string `msgpack:"unit,omitempty"`
	Active      bool   `msgpack:"active"`
}

// RegisterPayloads registers every replicated payload type.
func RegisterPayloads(registry *payload.Registry) error {
	prototypes := map[payload.Kind]func() any{
		KindRequisitionSubmitted: func() any { return &RequisitionSubmitted{} },
		KindRequisitionApproved:  func() any { return &RequisitionApproved{} },
		KindShipmentCreated:      func() any { return &ShipmentCreated{} },
		KindProofOfDelivery:      func() any { return &ProofOfDelivery{} },
		KindStockAdjusted:        func() any { return &StockAdjusted{} },
	}
	for kind, prototype := range prototypes {
		if err := registry.Register(kind, prototype); err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
	}
	return nil
}
