package app

import (
	"context"
	"fmt"
	"log"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/event"
	"github.com/lcmota/fieldsync/internal/services/sync/domain/logistics"
	"github.com/lcmota/fieldsync/internal/services/sync/domain/payload"
	"github.com/lcmota/fieldsync/internal/services/sync/masterdata"
	"github.com/lcmota/fieldsync/internal/services/sync/replayer"
	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

// newRegistry builds the payload registry with every logistics payload.
func newRegistry() (*payload.Registry, *payload.Codec, error) {
	registry := payload.NewRegistry()
	if err := logistics.RegisterPayloads(registry); err != nil {
		return nil, nil, fmt.Errorf("register logistics payloads: %w", err)
	}
	return registry, payload.NewCodec(registry), nil
}

// newDispatcher wires replay handlers. When the caller supplies none, every
// known kind gets a logging handler so replay progress is observable before
// the domain projections exist.
func newDispatcher(custom map[payload.Kind]replayer.Handler) (*replayer.Dispatcher, error) {
	dispatcher := replayer.NewDispatcher()
	if len(custom) > 0 {
		for kind, handler := range custom {
			if err := dispatcher.Register(kind, handler); err != nil {
				return nil, err
			}
		}
		return dispatcher, nil
	}
	kinds := []payload.Kind{
		logistics.KindRequisitionSubmitted,
		logistics.KindRequisitionApproved,
		logistics.KindShipmentCreated,
		logistics.KindProofOfDelivery,
		logistics.KindStockAdjusted,
	}
	for _, kind := range kinds {
		if err := dispatcher.Register(kind, logReplay); err != nil {
			return nil, err
		}
	}
	return dispatcher, nil
}

func logReplay(_ context.Context, evt event.Event) error {
	log.Printf("replayed %s event %s from %s", evt.PayloadKind, evt.ID, evt.SenderID)
	return nil
}

// defaultMasterDataHandlers registers logging handlers for the catalog kinds
// when the caller supplies none.
func defaultMasterDataHandlers(applier *masterdata.Applier) error {
	kinds := []string{
		logistics.MasterDataFacilityUpserted,
		logistics.MasterDataProductUpserted,
	}
	for _, kind := range kinds {
		kind := kind
		err := applier.Register(kind, func(_ context.Context, rec storage.MasterDataRecord) error {
			log.Printf("applied %s master data record %d", kind, rec.ID)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
