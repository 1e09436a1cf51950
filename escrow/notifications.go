package escrow

import (
	"encoding/json"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/custody/common"
)

const natsOfferInitialized = "custody.offer.initialized"
const natsOfferReverted = "custody.offer.reverted"
const natsOfferAccepted = "custody.offer.accepted"
const natsOfferRefunded = "custody.offer.refunded"

// NatsOfferSettled is the subject on which settlement records are published;
// exported because settlement completes inside the transfer orchestration
const NatsOfferSettled = "custody.offer.settled"

// dispatchOfferRecord broadcasts a structured offer record for external
// observability; the record is snapshotted by the caller so transitions that
// zero the persisted amount can still emit the amount they released
func dispatchOfferRecord(subject string, record map[string]interface{}) (*nats.PubAck, error) {
	payload, _ := json.Marshal(record)
	ack, err := natsutil.NatsJetstreamPublish(subject, payload)
	if err != nil {
		common.Log.Warningf("failed to dispatch offer notification on subject: %s; %s", subject, err.Error())
		return nil, err
	}
	return ack, nil
}

func (o *Offer) dispatchNotification(subject string) (*nats.PubAck, error) {
	return dispatchOfferRecord(subject, o.recordPayload())
}

// DispatchSettlementNotification broadcasts the settlement record for the
// given offer; invoked by the transfer orchestration after its transaction
// has committed
func DispatchSettlementNotification(o *Offer) {
	o.dispatchNotification(NatsOfferSettled)
}
